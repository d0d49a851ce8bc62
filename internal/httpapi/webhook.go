package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/commerce/internal/domain"
)

type webhookResponse struct {
	Status  string `json:"status"`
	EventID string `json:"event_id,omitempty"`
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Kind    string `json:"kind"`
	Reason  string `json:"reason"`
	Message string `json:"message,omitempty"`
}

// paymentWebhook принимает callback провайдера. Событие, записанное в журнал, но не применённое,
// подтверждается 202: его доведёт планировщик повторов.
func paymentWebhook(receiver WebhookReceiver, logger *log.Entry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		provider := chi.URLParam(r, "provider")

		payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				writeError(w, domain.ErrMalformedPayload.Withf("payload exceeds %d bytes", tooLarge.Limit))
				return
			}
			writeError(w, domain.ErrMalformedPayload.Wrap(err))
			return
		}

		result, err := receiver.HandleWebhook(r.Context(), provider, payload, r.Header.Get(SignatureHeader))
		if err != nil {
			kind := domain.KindOf(err)
			if result.RecordID != 0 && kind != domain.KindUnauthorized {
				logger.WithError(err).WithFields(log.Fields{
					"provider": provider,
					"event_id": result.EventID,
				}).Warn("webhook stored, processing deferred")
				writeJSON(w, http.StatusAccepted, webhookResponse{
					Status:  string(domain.WebhookRetryPending),
					EventID: result.EventID,
				})
				return
			}
			writeError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, webhookResponse{Status: string(result.Status), EventID: result.EventID})
	}
}

func writeError(w http.ResponseWriter, err error) {
	kind := domain.KindOf(err)
	detail := errorDetail{Kind: string(kind), Reason: domain.ReasonOf(err)}
	if kind != domain.KindInternal {
		detail.Message = err.Error()
	}
	writeJSON(w, kind.HTTPStatus(), errorBody{Error: detail})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
