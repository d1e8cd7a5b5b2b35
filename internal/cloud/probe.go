package cloud

import (
	"context"
	"net/http"
	"time"
)

const probeTimeout = 5 * time.Second

// Probe checks internet reachability with a HEAD request.
type Probe struct {
	url    string
	client *http.Client
}

func NewProbe(url string) *Probe {
	return &Probe{url: url, client: &http.Client{Timeout: probeTimeout}}
}

// Online reports whether the probe URL answered 200 or 204.
func (p *Probe) Online(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.url, nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusNoContent
}
