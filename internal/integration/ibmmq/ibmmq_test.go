package ibmmq

import (
	"errors"
	"testing"
	"time"

	mq "github.com/ibm-messaging/mq-golang/v5/ibmmq"
)

func TestRetryBackoffSchedule(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{attempt: 1, want: 500 * time.Millisecond},
		{attempt: 2, want: 2 * time.Second},
		{attempt: 3, want: 4500 * time.Millisecond},
		{attempt: 4, want: 8 * time.Second},
	}

	for _, tt := range tests {
		if got := retryBackoff(tt.attempt); got != tt.want {
			t.Errorf("retryBackoff(%d) = %s, want %s", tt.attempt, got, tt.want)
		}
	}
}

func TestRetryableErrorUnwrap(t *testing.T) {
	cause := &mq.MQReturn{MQCC: mq.MQCC_FAILED, MQRC: mq.MQRC_NO_MSG_AVAILABLE}
	err := &retryableError{err: cause}

	var mqerr *mq.MQReturn
	if !errors.As(err, &mqerr) {
		t.Fatal("retryableError does not unwrap to *MQReturn")
	}
	if mqerr.MQRC != mq.MQRC_NO_MSG_AVAILABLE {
		t.Errorf("MQRC = %d", mqerr.MQRC)
	}
}

func TestIsConnectionFailure(t *testing.T) {
	tests := []struct {
		reason int32
		want   bool
	}{
		{reason: mq.MQRC_CONNECTION_BROKEN, want: true},
		{reason: mq.MQRC_HCONN_ERROR, want: true},
		{reason: mq.MQRC_HOBJ_ERROR, want: true},
		{reason: mq.MQRC_OBJECT_CHANGED, want: true},
		{reason: mq.MQRC_Q_MGR_NOT_AVAILABLE, want: true},
		{reason: mq.MQRC_NO_MSG_AVAILABLE, want: false},
		{reason: mq.MQRC_BACKED_OUT, want: false},
	}

	for _, tt := range tests {
		if got := isConnectionFailure(tt.reason); got != tt.want {
			t.Errorf("isConnectionFailure(%d) = %t, want %t", tt.reason, got, tt.want)
		}
	}
}
