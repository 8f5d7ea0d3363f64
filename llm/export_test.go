package llm

import "net/http"

// SetHTTPClient overrides the transport used by c for the duration of a test.
func SetHTTPClient(c *Client, hc *http.Client) func() {
	orig := c.httpClient
	c.httpClient = hc
	return func() { c.httpClient = orig }
}
