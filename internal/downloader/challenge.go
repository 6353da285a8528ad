package downloader

import (
	"context"
	"errors"

	"github.com/bmravec/gdman/internal/logctx"
	"github.com/bmravec/gdman/internal/transfer/hosting"
)

// Challenge returns the verification image a hosting transfer is waiting on.
func (r *Registry) Challenge(id int) (hosting.Challenge, error) {
	h, err := r.hostingTransfer(id)
	if err != nil {
		return hosting.Challenge{}, err
	}

	c, ok := h.Challenge()
	if !ok {
		return hosting.Challenge{}, hosting.ErrNoChallenge
	}

	return c, nil
}

// SubmitChallenge hands the operator's answer to a waiting hosting transfer.
func (r *Registry) SubmitChallenge(ctx context.Context, id int, text string) error {
	e, err := r.lookup(id)
	if err != nil {
		return err
	}

	h, ok := e.t.(*hosting.Transfer)
	if !ok {
		return ErrNoChallengeSupport
	}

	if err := h.SubmitInput(text); err != nil {
		return err
	}

	r.clearChallenge(e)

	ctx = logctx.WithTransferID(ctx, id)
	logctx.LoggerFromContext(ctx).InfoContext(ctx, "verification answer submitted")

	return nil
}

func (r *Registry) hostingTransfer(id int) (*hosting.Transfer, error) {
	e, err := r.lookup(id)
	if err != nil {
		return nil, err
	}

	h, ok := e.t.(*hosting.Transfer)
	if !ok {
		return nil, ErrNoChallengeSupport
	}

	return h, nil
}

func (r *Registry) challengeReady(e *entry) {
	if !e.challenge.CompareAndSwap(false, true) {
		return
	}

	r.tel.AddPendingChallenges(1)

	ctx := r.transferContext(e)
	logctx.LoggerFromContext(ctx).InfoContext(ctx, "verification required", "title", e.t.Title())
}

func (r *Registry) clearChallenge(e *entry) {
	if e.challenge.CompareAndSwap(true, false) {
		r.tel.AddPendingChallenges(-1)
	}
}

// IsChallengeError reports whether err means no challenge is available.
func IsChallengeError(err error) bool {
	return errors.Is(err, hosting.ErrNoChallenge) || errors.Is(err, ErrNoChallengeSupport)
}
