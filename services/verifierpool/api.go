package verifierpool

import (
	"context"
	"net/http"

	"github.com/R3E-Network/verifierpool/internal/httputil"
)

// =============================================================================
// HTTP Handlers
// =============================================================================

// ListVerifiersResponse is the body of GET /verifiers.
type ListVerifiersResponse struct {
	Verifiers []VerifierStatus `json:"verifiers"`
	Count     int              `json:"count"`
}

func (p *Pool) registerRoutes() {
	p.WithProbe("chain", func(ctx context.Context) error {
		_, err := p.chain.CurrentHeight(ctx)
		return err
	})
	p.WithProbe("registry", func(ctx context.Context) error {
		_, err := p.registry.List(ctx)
		return err
	})

	p.RegisterStandardRoutes()
	p.Router().HandleFunc("/verifiers", p.handleListVerifiers).Methods("GET")
}

// handleListVerifiers returns the registry state of every verifier.
func (p *Pool) handleListVerifiers(w http.ResponseWriter, r *http.Request) {
	verifiers, err := p.Verifiers(r.Context())
	if err != nil {
		p.log.WithContext(r.Context()).WithError(err).Warn("failed to list verifiers")
		httputil.ServiceUnavailable(w, "registry unavailable")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, ListVerifiersResponse{
		Verifiers: verifiers,
		Count:     len(verifiers),
	})
}
