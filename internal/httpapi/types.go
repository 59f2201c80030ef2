package httpapi

import (
	"time"

	"wagate/internal/session"
)

// APIError is the stable error envelope for all non-2xx JSON responses.
type APIError struct {
	Error     string `json:"error"`
	Timestamp string `json:"timestamp"`
}

// StatusResponse is the public view of the connection lifecycle.
type StatusResponse struct {
	State          session.ConnState `json:"state"`
	Identity       *IdentityView     `json:"identity,omitempty"`
	PairingPending bool              `json:"pairing_pending"`
	PairingAge     string            `json:"pairing_age,omitempty"`
	LastLiveness   string            `json:"last_liveness,omitempty"`
	AutoRefresh    bool              `json:"auto_refresh"`
	ReconnectCount int               `json:"reconnect_count"`
}

type IdentityView struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
}

// SendItem is one outbound message in a dispatch job. Image is base64 on
// the wire (encoding/json []byte convention).
type SendItem struct {
	Target string `json:"target"`
	Text   string `json:"text"`
	Image  []byte `json:"image,omitempty"`
}

type SendRequest struct {
	Items []SendItem `json:"items"`
}

// SendResponse acknowledges acceptance only; delivery happens
// asynchronously and surfaces through logs and the audit ledger. The job id
// exists for log correlation, not for querying.
type SendResponse struct {
	Accepted int    `json:"accepted"`
	Job      string `json:"job"`
}

type AckResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

func statusFromSession(st session.Status) StatusResponse {
	resp := StatusResponse{
		State:          st.State,
		AutoRefresh:    st.AutoRefresh,
		ReconnectCount: st.ReconnectCount,
	}
	if !st.Identity.IsZero() {
		resp.Identity = &IdentityView{ID: st.Identity.ID, DisplayName: st.Identity.DisplayName}
	}
	if st.Artifact != nil {
		resp.PairingPending = true
		resp.PairingAge = time.Since(st.Artifact.GeneratedAt).Truncate(time.Second).String()
	}
	if !st.LastLiveness.IsZero() {
		resp.LastLiveness = st.LastLiveness.UTC().Format(time.RFC3339)
	}
	return resp
}
