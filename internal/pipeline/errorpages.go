package pipeline

import (
	"bytes"
	"html/template"
	"net/http"
)

const nonexistentDomainHandler = "NonexistentDomain"
const applicationExceptionHandler = "ApplicationException"

var nonexistentDomainTemplate = template.Must(template.New("nonexistentDomain").Parse(`<!DOCTYPE html>
<html>
<head><title>Domain not configured</title></head>
<body>
<h1>We don't know this app.</h1>
<p>{{.Host}} is not configured.</p>
<p>To fix this, make a symlink from <code>{{.SuggestedPath}}</code> to the application you want to serve.</p>
</body>
</html>
`))

var applicationExceptionTemplate = template.Must(template.New("applicationException").Parse(`<!DOCTYPE html>
<html>
<head><title>Application failed to start</title></head>
<body>
<h1>We're sorry, but this application failed to start.</h1>
<p>Application root: <code>{{.Root}}</code></p>
<p>{{.Message}}</p>
<pre>{{.StackTrace}}</pre>
</body>
</html>
`))

// writeNonexistentDomain renders the 503 page for a host with no
// configured application root.
func writeNonexistentDomain(w http.ResponseWriter, host, suggestedPath string) {
	var buf bytes.Buffer
	_ = nonexistentDomainTemplate.Execute(&buf, struct {
		Host          string
		SuggestedPath string
	}{Host: host, SuggestedPath: suggestedPath})

	w.Header().Set("Content-Type", "text/html; charset=utf8")
	w.Header().Set("X-Pow-Handler", nonexistentDomainHandler)
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write(buf.Bytes())
}

// writeApplicationException renders the 500 page for an application
// that failed to initialize, carrying the HTML-escaped root, message,
// and a best-effort stack trace assembled from the error's wrap chain.
func writeApplicationException(w http.ResponseWriter, root, message, stackTrace string) {
	var buf bytes.Buffer
	_ = applicationExceptionTemplate.Execute(&buf, struct {
		Root       string
		Message    string
		StackTrace string
	}{Root: root, Message: message, StackTrace: stackTrace})

	w.Header().Set("Content-Type", "text/html; charset=utf8")
	w.Header().Set("X-Pow-Handler", applicationExceptionHandler)
	w.WriteHeader(http.StatusInternalServerError)
	_, _ = w.Write(buf.Bytes())
}
