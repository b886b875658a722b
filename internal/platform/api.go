package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/daverage/alphaflow/internal/candidate"
)

// SimulationStatus is the platform-reported state of a submitted job.
type SimulationStatus string

const (
	SimulationPending  SimulationStatus = "PENDING"
	SimulationComplete SimulationStatus = "COMPLETE"
	SimulationError    SimulationStatus = "ERROR"
)

// Simulation is the decoded poll response for one job location.
type Simulation struct {
	Status   SimulationStatus `json:"status"`
	AlphaID  string           `json:"alpha"`
	Children []string         `json:"children"`
	Message  string           `json:"message"`
}

// Check is one named pass/fail assertion from the platform's submission
// validation.
type Check struct {
	Name   string `json:"name"`
	Fatal  bool   `json:"fatal"`
	Passed bool   `json:"passed"`
}

// Properties is the metadata written back onto an evaluated alpha.
type Properties struct {
	Color       string   `json:"color"`
	Tags        []string `json:"tags,omitempty"`
	Description string   `json:"description,omitempty"`
}

// simulationPayload is the wire shape of one submitted expression.
type simulationPayload struct {
	Type     string             `json:"type"`
	Settings candidate.Settings `json:"settings"`
	Regular  string             `json:"regular"`
}

// NewAuthFunc builds the login function backed by the platform's
// authentication endpoint. It lives outside Client because the session it
// feeds is a dependency of Client, not the other way round.
func NewAuthFunc(base string) AuthFunc {
	httpc := &http.Client{Timeout: 30 * time.Second}
	return func(ctx context.Context, creds Credentials) (string, time.Duration, error) {
		body, err := json.Marshal(map[string]string{
			"email":    creds.Email,
			"password": creds.Password,
		})
		if err != nil {
			return "", 0, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/authentication", bytes.NewReader(body))
		if err != nil {
			return "", 0, err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := httpc.Do(req)
		if err != nil {
			return "", 0, err
		}
		defer resp.Body.Close()

		data, _ := io.ReadAll(resp.Body)
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return "", 0, &AuthError{Detail: truncate(string(data), 256)}
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return "", 0, fmt.Errorf("authentication: status %d", resp.StatusCode)
		}

		var decoded struct {
			Token     string `json:"token"`
			ExpiresIn int    `json:"expiresIn"`
		}
		if err := json.Unmarshal(data, &decoded); err != nil {
			return "", 0, &MalformedError{Op: "authenticate", Err: err}
		}
		if decoded.Token == "" {
			return "", 0, &MalformedError{Op: "authenticate", Err: fmt.Errorf("empty token in response")}
		}
		return decoded.Token, time.Duration(decoded.ExpiresIn) * time.Second, nil
	}
}

// CreateSimulation submits a batch of candidates and returns the job
// location handle. A platform-side duplicate detection maps to
// DuplicateError, which is a skip signal rather than a failure.
func (c *Client) CreateSimulation(ctx context.Context, batch []candidate.Candidate) (string, error) {
	var payload interface{}
	if len(batch) == 1 {
		payload = toPayload(batch[0])
	} else {
		multi := make([]simulationPayload, 0, len(batch))
		for _, cand := range batch {
			multi = append(multi, toPayload(cand))
		}
		payload = multi
	}

	resp, err := c.do(ctx, "create simulation", http.MethodPost, "/simulations", payload)
	if err != nil {
		var fe *FatalError
		if errors.As(err, &fe) && isDuplicateStatus(fe) {
			return "", &DuplicateError{Detail: fe.Body}
		}
		return "", err
	}

	loc := resp.header.Get("Location")
	if loc == "" {
		return "", &MalformedError{Op: "create simulation", Err: fmt.Errorf("missing Location header")}
	}
	return strings.TrimPrefix(loc, c.base), nil
}

// GetSimulation polls one job location. Server wait directives are
// consumed inside the client, so a return here is either a decoded
// simulation state or an error.
func (c *Client) GetSimulation(ctx context.Context, location string) (*Simulation, error) {
	resp, err := c.do(ctx, "poll simulation", http.MethodGet, location, nil)
	if err != nil {
		return nil, err
	}
	var sim Simulation
	if err := decode("poll simulation", resp.body, &sim); err != nil {
		return nil, err
	}
	return &sim, nil
}

// DeleteSimulation issues a best-effort cancellation for a job location.
func (c *Client) DeleteSimulation(ctx context.Context, location string) error {
	_, err := c.do(ctx, "cancel simulation", http.MethodDelete, location, nil)
	return err
}

// GetProdCorrelation fetches the correlation-against-production metric for
// an evaluated alpha. The platform computes it lazily and signals progress
// via Retry-After, so callers bound the wait with their context.
func (c *Client) GetProdCorrelation(ctx context.Context, alphaID string) (float64, error) {
	resp, err := c.do(ctx, "prod correlation", http.MethodGet, "/alphas/"+alphaID+"/correlations/prod", nil)
	if err != nil {
		return 0, err
	}
	var decoded struct {
		Max float64 `json:"max"`
	}
	if err := decode("prod correlation", resp.body, &decoded); err != nil {
		return 0, err
	}
	return decoded.Max, nil
}

// GetChecks fetches the platform's submission-validation checklist for an
// evaluated alpha.
func (c *Client) GetChecks(ctx context.Context, alphaID string) ([]Check, error) {
	resp, err := c.do(ctx, "submission checks", http.MethodGet, "/alphas/"+alphaID+"/check", nil)
	if err != nil {
		return nil, err
	}
	var decoded struct {
		Checks []Check `json:"checks"`
	}
	if err := decode("submission checks", resp.body, &decoded); err != nil {
		return nil, err
	}
	return decoded.Checks, nil
}

// GetSeries fetches the daily PnL series for an evaluated alpha, used by
// the local self-similarity stage.
func (c *Client) GetSeries(ctx context.Context, alphaID string) ([]float64, error) {
	resp, err := c.do(ctx, "pnl series", http.MethodGet, "/alphas/"+alphaID+"/recordsets/pnl", nil)
	if err != nil {
		return nil, err
	}
	var decoded struct {
		Values []float64 `json:"values"`
	}
	if err := decode("pnl series", resp.body, &decoded); err != nil {
		return nil, err
	}
	return decoded.Values, nil
}

// SetProperties writes label metadata onto an alpha. The call is a full
// overwrite of the addressed fields, so repeating it is safe.
func (c *Client) SetProperties(ctx context.Context, alphaID string, props Properties) error {
	_, err := c.do(ctx, "set properties", http.MethodPatch, "/alphas/"+alphaID, props)
	return err
}

func toPayload(cand candidate.Candidate) simulationPayload {
	return simulationPayload{
		Type:     "REGULAR",
		Settings: cand.Settings,
		Regular:  cand.Expression,
	}
}

func isDuplicateStatus(fe *FatalError) bool {
	if fe.Status == http.StatusConflict {
		return true
	}
	return fe.Status == http.StatusBadRequest && strings.Contains(strings.ToLower(fe.Body), "duplicate")
}
