package tpm

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func TestNewCAVerifier(t *testing.T) {
	tests := []struct {
		name         string
		initialPaths []string
		pathProvider CAPathProvider
		expectError  bool
	}{
		{
			name:         "no manufacturer CA certs configured",
			initialPaths: []string{},
			pathProvider: func() ([]string, error) { return []string{}, nil },
			expectError:  true,
		},
		{
			name:         "configured path does not exist on disk",
			initialPaths: []string{"/etc/attestctl/manufacturer-ca/missing.pem"},
			pathProvider: func() ([]string, error) { return []string{}, nil },
			expectError:  true,
		},
		{
			name:         "nil path provider leaves no certificates loaded",
			initialPaths: []string{},
			pathProvider: nil,
			expectError:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			v := NewCAVerifier(ctx, tt.initialPaths, tt.pathProvider, testLogger())
			require.NotNil(t, v)

			err := v.VerifyChain([]byte("ek-cert-der-bytes"))
			if tt.expectError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestVerifyChainWithEmptyPool(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	v := NewCAVerifier(ctx, []string{}, nil, testLogger())
	err := v.VerifyChain([]byte("ek-cert-der-bytes"))
	assert.ErrorIs(t, err, ErrManufacturerCACertsNotConfigured)
}

func TestPeriodicReloadPolls(t *testing.T) {
	var callCount int
	pathProvider := func() ([]string, error) {
		callCount++
		return []string{"/etc/attestctl/manufacturer-ca/root.pem"}, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	v := &verifier{
		pathProvider:    pathProvider,
		log:             testLogger(),
		paths:           []string{},
		refreshInterval: 50 * time.Millisecond,
		ctx:             ctx,
	}

	go v.periodicReload()

	time.Sleep(200 * time.Millisecond)
	assert.Greater(t, callCount, 2, "periodicReload should poll the path provider on every tick")

	callsBeforeVerify := callCount
	err := v.VerifyChain([]byte("ek-cert-der-bytes"))
	assert.Error(t, err, "the configured path is not a real certificate on disk")
	assert.Equal(t, callsBeforeVerify, callCount, "VerifyChain must not itself trigger a reload")
}

func TestPeriodicReloadPicksUpPathChanges(t *testing.T) {
	paths := []string{"/etc/attestctl/manufacturer-ca/root-a.pem"}
	pathProvider := func() ([]string, error) {
		return paths, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	v := &verifier{
		pathProvider:    pathProvider,
		log:             testLogger(),
		paths:           []string{"/etc/attestctl/manufacturer-ca/stale.pem"},
		refreshInterval: 50 * time.Millisecond,
		ctx:             ctx,
	}

	go v.periodicReload()
	time.Sleep(100 * time.Millisecond)

	v.mu.Lock()
	got := v.paths
	v.mu.Unlock()
	assert.Equal(t, []string{"/etc/attestctl/manufacturer-ca/root-a.pem"}, got)

	paths = []string{"/etc/attestctl/manufacturer-ca/root-a.pem", "/etc/attestctl/manufacturer-ca/root-b.pem"}
	time.Sleep(100 * time.Millisecond)

	v.mu.Lock()
	got = v.paths
	v.mu.Unlock()
	assert.Equal(t, []string{"/etc/attestctl/manufacturer-ca/root-a.pem", "/etc/attestctl/manufacturer-ca/root-b.pem"}, got)
}

func TestReloadCertPool(t *testing.T) {
	tests := []struct {
		name         string
		pathProvider CAPathProvider
		expectError  bool
	}{
		{
			name:         "nil path provider",
			pathProvider: nil,
			expectError:  true,
		},
		{
			name: "path provider returns error",
			pathProvider: func() ([]string, error) {
				return nil, assert.AnError
			},
			expectError: true,
		},
		{
			name: "path provider returns no paths",
			pathProvider: func() ([]string, error) {
				return []string{}, nil
			},
			expectError: true,
		},
		{
			name: "path provider returns a path with no cert on disk",
			pathProvider: func() ([]string, error) {
				return []string{"/etc/attestctl/manufacturer-ca/missing.pem"}, nil
			},
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			v := &verifier{
				pathProvider:    tt.pathProvider,
				log:             testLogger(),
				paths:           []string{},
				refreshInterval: time.Minute,
				ctx:             ctx,
			}

			err := v.reloadCertPool()
			if tt.expectError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestVerifyChainConcurrentWithReload(t *testing.T) {
	var mu sync.Mutex
	var callCount int
	pathProvider := func() ([]string, error) {
		mu.Lock()
		defer mu.Unlock()
		callCount++
		return []string{"/etc/attestctl/manufacturer-ca/root.pem"}, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	v := &verifier{
		pathProvider:    pathProvider,
		log:             testLogger(),
		paths:           []string{},
		refreshInterval: 50 * time.Millisecond,
		ctx:             ctx,
	}

	go v.periodicReload()
	time.Sleep(100 * time.Millisecond)

	const numAgents = 10
	done := make(chan bool, numAgents)

	for i := 0; i < numAgents; i++ {
		go func() {
			defer func() { done <- true }()
			for j := 0; j < 5; j++ {
				err := v.VerifyChain([]byte("ek-cert-der-bytes"))
				assert.Error(t, err)
				time.Sleep(10 * time.Millisecond)
			}
		}()
	}

	for i := 0; i < numAgents; i++ {
		<-done
	}

	mu.Lock()
	count := callCount
	mu.Unlock()
	assert.Greater(t, count, 0)
}

func TestReloadCertPoolSortsPathsForStableComparison(t *testing.T) {
	unsorted := []string{
		"/etc/attestctl/manufacturer-ca/root-z.pem",
		"/etc/attestctl/manufacturer-ca/root-a.pem",
		"/etc/attestctl/manufacturer-ca/root-m.pem",
	}
	pathProvider := func() ([]string, error) {
		return unsorted, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	v := &verifier{
		pathProvider:    pathProvider,
		log:             testLogger(),
		paths:           []string{},
		refreshInterval: 50 * time.Millisecond,
		ctx:             ctx,
	}

	go v.periodicReload()
	time.Sleep(100 * time.Millisecond)

	v.mu.Lock()
	got := v.paths
	v.mu.Unlock()

	expected := []string{
		"/etc/attestctl/manufacturer-ca/root-a.pem",
		"/etc/attestctl/manufacturer-ca/root-m.pem",
		"/etc/attestctl/manufacturer-ca/root-z.pem",
	}
	assert.Equal(t, expected, got)
}
