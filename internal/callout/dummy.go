package callout

import (
	"context"
	"fmt"

	"github.com/user/relay/internal/types"
)

// DummyCaller pretends to place the call. Used in dummy mode.
type DummyCaller struct{}

var _ types.ProviderCaller = DummyCaller{}

func (DummyCaller) CallProvider(_ context.Context, id types.Identity, contact types.Contact) (types.CallResult, error) {
	target := contact.Phone
	if target == "" {
		target = contact.Name
	}
	return types.CallResult{
		Status:        types.OutcomeDummy,
		CorrelationID: types.NewCorrelationID(),
		Target:        target,
		ResultText:    fmt.Sprintf("[DUMMY] Provider call placed to %s for %s.", target, id.Name),
	}, nil
}
