package pumperrors

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := map[string]struct {
		err  error
		want Category
	}{
		"no status code":                  {&ErrStatus{}, CategoryTransient},
		"408":                             {&ErrStatus{Code: 408}, CategoryTransient},
		"429":                             {&ErrStatus{Code: 429}, CategoryTransient},
		"500":                             {&ErrStatus{Code: 500}, CategoryTransient},
		"503":                             {&ErrStatus{Code: 503}, CategoryTransient},
		"401":                             {&ErrStatus{Code: 401}, CategoryAuth},
		"403":                             {&ErrStatus{Code: 403}, CategoryAuth},
		"400":                             {&ErrStatus{Code: 400}, CategoryClient},
		"404":                             {&ErrStatus{Code: 404}, CategoryClient},
		"410":                             {&ErrStatus{Code: 410}, CategoryClient},
		"plain error":                     {errors.New("connection reset"), CategoryTransient},
		"wrapped status":                  {errors.WithMessage(&ErrStatus{Code: 403}, "fetching page 3"), CategoryAuth},
		"cancelled":                       {&ErrCancelled{Reason: "shutdown"}, CategoryCancelled},
		"wrapped cancelled":               {errors.Wrap(&ErrCancelled{}, "fetch"), CategoryCancelled},
		"context.Canceled":                {context.Canceled, CategoryCancelled},
		"scheduler closed":                {&ErrSchedulerClosed{}, CategoryCancelled},
		"retry exhaustion":                {&ErrRetryExhausted{Attempts: 4, Last: &ErrStatus{Code: 500}}, CategoryClient},
		"wrapped retry exhaustion":        {errors.WithMessage(&ErrRetryExhausted{Attempts: 2, Last: &ErrStatus{}}, "page 7"), CategoryClient},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.want, Classify(tc.err))
		})
	}
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(&ErrStatus{Code: 500}))
	assert.True(t, IsRetryable(errors.New("no status")))
	assert.False(t, IsRetryable(&ErrStatus{Code: 401}))
	assert.False(t, IsRetryable(&ErrStatus{Code: 404}))
	assert.False(t, IsRetryable(&ErrCancelled{}))
	assert.False(t, IsRetryable(&ErrRetryExhausted{Attempts: 1, Last: &ErrStatus{Code: 502}}))
}

func TestErrorMessages(t *testing.T) {
	assert.Contains(t, (&ErrStatus{Code: 429, Message: "throttled"}).Error(), "429")
	assert.Contains(t, (&ErrStatus{Code: 429, Message: "throttled"}).Error(), "throttled")
	assert.Contains(t, (&ErrStatus{}).Error(), "without a status code")
	assert.Contains(t, (&ErrCancelled{Reason: "user abort"}).Error(), "user abort")
	assert.Contains(t, (&ErrRetryExhausted{Attempts: 3, Last: errors.New("timeout")}).Error(), "3 attempts")
}
