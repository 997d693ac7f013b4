package workflows

import (
	"context"

	"github.com/quartermile/ledgerflow/internal/engine"
	"github.com/quartermile/ledgerflow/pkg/api"
)

// EmailWorkflow delivers one transactional email per event through the
// configured sender. The send is a single memoized step, so bus
// redelivery never sends twice.
func EmailWorkflow(d *Deps) *engine.Function {
	return &engine.Function{
		ID:        "email-workflow",
		Name:      "Email Delivery",
		EventName: api.EventEmailSend,
		Handler: func(sc *engine.Context) (any, error) {
			var msg api.EmailSendData
			if err := sc.Bind(&msg); err != nil {
				return nil, err
			}
			if msg.To == "" {
				return nil, api.Fatal(api.SubclassValidation,
					"email/send needs a recipient")
			}

			messageID, err := engine.Run(sc, "send-email",
				func(ctx context.Context) (string, error) {
					return d.Email.Send(ctx, &msg)
				})
			if err != nil {
				return nil, err
			}

			return map[string]string{"messageId": messageID}, nil
		},
	}
}
