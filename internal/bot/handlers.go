// internal/bot/handlers.go
package bot

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/stripe/stripe-go/v72"

	"coach-bot/internal/orchestrator"
)

// HandleStripeWebhook verifies and routes Stripe events. A completed checkout
// becomes a payment_confirmed callback dispatched through the orchestrator,
// so the PAYMENT→ACTIVE transition follows the same path as any other event.
func (t *TelegramBot) HandleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		t.logger.Errorw("Failed to read webhook body", "error", err)
		http.Error(w, "Failed to read request body", http.StatusBadRequest)
		return
	}

	signature := r.Header.Get("Stripe-Signature")
	if signature == "" {
		t.logger.Error("Missing Stripe signature header")
		http.Error(w, "Missing signature", http.StatusBadRequest)
		return
	}

	event, err := t.stripeClient.VerifyWebhookSignature(body, signature)
	if err != nil {
		t.logger.Errorw("Failed to verify webhook signature", "error", err)
		http.Error(w, "Invalid signature", http.StatusBadRequest)
		return
	}

	switch event.Type {
	case "checkout.session.completed":
		var session stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			t.logger.Errorw("Failed to parse checkout session", "error", err)
			http.Error(w, "Failed to parse event data", http.StatusBadRequest)
			return
		}

		if session.ClientReferenceID == "" {
			t.logger.Errorw("Missing client reference ID", "session_id", session.ID)
			http.Error(w, "Missing client reference ID", http.StatusBadRequest)
			return
		}

		userID, err := strconv.ParseInt(session.ClientReferenceID, 10, 64)
		if err != nil {
			t.logger.Errorw("Invalid client reference ID", "value", session.ClientReferenceID, "error", err)
			http.Error(w, "Invalid client reference ID", http.StatusBadRequest)
			return
		}

		// Dispatch in the background so a slow activation never trips the
		// webhook timeout.
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
			defer cancel()

			ev := orchestrator.Event{
				UserID: userID,
				Kind:   orchestrator.EventCallback,
				Data:   "payment_confirmed",
			}
			if err := t.orchestrator.Dispatch(ctx, ev); err != nil {
				t.logger.Errorw("Failed to process payment confirmation", "user_id", userID, "error", err)
			}
		}()
		t.logger.Infow("Payment confirmation accepted", "user_id", userID, "session_id", session.ID)

	case "payment_intent.payment_failed":
		var intent stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
			t.logger.Errorw("Failed to parse payment intent", "error", err)
			break
		}
		t.logger.Errorw("Payment failed", "payment_id", intent.ID, "last_error", intent.LastPaymentError)
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("Webhook received"))
}
