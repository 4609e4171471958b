package handlers

import (
	"net/http"
	"time"

	"github.com/diagnosis/wa-relay/internal/http/response"
	"github.com/diagnosis/wa-relay/internal/session"
)

type healthOut struct {
	Success       bool          `json:"success"`
	Status        string        `json:"status"`
	WhatsAppReady bool          `json:"whatsappReady"`
	SessionState  session.State `json:"sessionState"`
	LastError     string        `json:"lastError,omitempty"`
	Timestamp     time.Time     `json:"timestamp"`
}

// Health always answers 200 while the process is up; readiness of the
// WhatsApp session is reported in the body.
func Health(sess Session) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := sess.Status()
		status := "ok"
		if !st.Ready {
			status = "degraded"
		}
		response.WriteJSON(w, http.StatusOK, healthOut{
			Success:       true,
			Status:        status,
			WhatsAppReady: st.Ready,
			SessionState:  st.State,
			LastError:     st.LastError,
			Timestamp:     time.Now().UTC(),
		})
	}
}
