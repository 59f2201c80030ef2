package httpapi

import (
	"encoding/base64"
	"html/template"
	"net/http"

	"wagate/internal/session"
)

// The root page is a minimal operator view: it shows the pairing image
// while pairing is pending, the account once connected, and a self-refreshing
// placeholder otherwise. No assets, no scripts.
var pageTmpl = template.Must(template.New("page").Parse(`<!doctype html>
<html>
<head>
<meta charset="utf-8">
{{if .Refresh}}<meta http-equiv="refresh" content="5">{{end}}
<title>wagate</title>
<style>
body { font-family: sans-serif; max-width: 40rem; margin: 3rem auto; text-align: center; }
img.pairing { width: 18rem; height: 18rem; image-rendering: pixelated; }
p.state { color: #666; }
</style>
</head>
<body>
<h1>wagate</h1>
{{if .Pairing}}
<p>Scan this code with the phone to pair:</p>
<img class="pairing" src="data:image/png;base64,{{.PairingB64}}" alt="pairing code">
{{else if .Connected}}
<p>Connected as <strong>{{.DisplayName}}</strong> ({{.AccountID}})</p>
{{else}}
<p>Waiting for the session&hellip;</p>
{{end}}
<p class="state">state: {{.State}}</p>
</body>
</html>
`))

type pageData struct {
	State       session.ConnState
	Connected   bool
	Pairing     bool
	PairingB64  string
	DisplayName string
	AccountID   string
	Refresh     bool
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	st := s.sess.Status()
	data := pageData{State: st.State}
	switch {
	case st.Artifact != nil && st.State == session.StatePairingReady:
		data.Pairing = true
		data.PairingB64 = base64.StdEncoding.EncodeToString(st.Artifact.Image)
		data.Refresh = true
	case st.State.Live():
		data.Connected = true
		data.DisplayName = st.Identity.DisplayName
		data.AccountID = st.Identity.ID
	default:
		data.Refresh = true
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_ = pageTmpl.Execute(w, data)
}
