package loopback

import "html"

func closePage(title string) string {
	t := html.EscapeString(title)
	return `<!DOCTYPE html><html><head><meta charset="utf-8"><title>` + t + `</title></head><body>` +
		`<h3>Authentication complete</h3><p>You can close this window.</p>` +
		`<script>setTimeout(function () { window.close(); }, 3000);</script>` +
		`</body></html>`
}

// relayPage forwards access_token (and state) from the fragment to the server.
func relayPage(title string) string {
	t := html.EscapeString(title)
	return `<!DOCTYPE html><html><head><meta charset="utf-8"><title>` + t + `</title></head><body>` +
		`<script>` +
		`var p = new URLSearchParams(window.location.hash.substring(1));` +
		`var t = p.get('access_token');` +
		`if (t) {` +
		`var q = new URLSearchParams({token: t});` +
		`if (p.get('state')) { q.set('state', p.get('state')); }` +
		`window.location.replace('/?' + q.toString());` +
		`} else {` +
		`document.body.textContent = 'Authentication failed: ' + (p.get('error_description') || 'token not found');` +
		`}` +
		`</script>` +
		`</body></html>`
}
