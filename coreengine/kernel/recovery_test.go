package kernel

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSafeExecute(t *testing.T) {
	expectedErr := errors.New("test error")

	tests := []struct {
		name     string
		fn       func() error
		wantErr  string
		wantLogs bool
	}{
		{"success", func() error { return nil }, "", false},
		{"error passes through", func() error { return expectedErr }, "test error", false},
		{"panic becomes error", func() error { panic("boom") }, "panic in test_operation: boom", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := &testLogger{}
			err := SafeExecute(logger, "test_operation", tt.fn)
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Equal(t, tt.wantErr, err.Error())
			}
			assert.Equal(t, tt.wantLogs, logger.has("ERROR", "panic_recovered"))
		})
	}
}

func TestSafeExecute_NilLogger(t *testing.T) {
	err := SafeExecute(nil, "test_operation", func() error {
		panic("no logger")
	})
	assert.Error(t, err)
}

func TestSafeExecuteWithResult(t *testing.T) {
	logger := &testLogger{}

	result, err := SafeExecuteWithResult(logger, "test_operation", func() (int, error) {
		return 42, nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 42, result)

	text, err := SafeExecuteWithResult(logger, "test_operation", func() (string, error) {
		panic("test panic")
	})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "panic in test_operation")
	assert.Equal(t, "", text)
	assert.True(t, logger.has("ERROR", "panic_recovered"))
}

func TestSafeGo_Panic(t *testing.T) {
	logger := &testLogger{}
	var wg sync.WaitGroup
	wg.Add(1)

	var recovered any
	SafeGo(logger, "test_goroutine", func() {
		panic("goroutine panic")
	}, func(r any) {
		recovered = r
		wg.Done()
	})

	wg.Wait()
	assert.Equal(t, "goroutine panic", recovered)
	assert.True(t, logger.has("ERROR", "goroutine_panic_recovered"))
}

func TestSafeGo_NilCallbackAndLogger(t *testing.T) {
	done := make(chan struct{})
	SafeGo(nil, "test_goroutine", func() {
		defer close(done)
		panic("goroutine panic")
	}, nil)
	<-done
}
