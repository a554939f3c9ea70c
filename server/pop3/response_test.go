package pop3

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/migadu/popd/consts"
	"github.com/stretchr/testify/assert"
)

func TestTruncateResponse(t *testing.T) {
	assert.Equal(t, "short", truncateResponse("short"))
	long := strings.Repeat("x", 600)
	assert.Len(t, truncateResponse(long), maxResponseText)
	assert.Len(t, "-ERR "+truncateResponse(long)+"\r\n", 512)
}

func TestLongAuthErrorIsTruncated(t *testing.T) {
	srv, provider, _ := newMailboxFixture(t, POP3ServerOptions{})
	provider.accounts["alice"].err = errors.New(strings.Repeat("e", 1000))
	c := connect(t, srv)

	assert.Equal(t, "+OK hello alice, please enter your password", c.cmd("USER alice"))
	assert.Equal(t, "-ERR "+strings.Repeat("e", maxResponseText), c.cmd("PASS secret"))
}

func TestStoreErrorResponse(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{consts.ErrMailboxNotFound, "mailbox not found"},
		{fmt.Errorf("listing: %w", consts.ErrMailboxNotFound), "mailbox not found"},
		{consts.ErrMessageNotAvailable, "message not available"},
		{errors.New("connection refused 10.0.0.5:5432"), "internal error"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, storeErrorResponse(tt.err), tt.err.Error())
	}
}
