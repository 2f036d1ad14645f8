package home

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// RESTClient talks to the control plane's HTTP API with bearer auth.
type RESTClient struct {
	baseURL string
	token   string
	client  *http.Client
}

// RESTConfig configures the REST client.
type RESTConfig struct {
	BaseURL string // e.g. http://homeassistant.local:8123
	Token   string
	Timeout time.Duration // default 10s
}

// NewRESTClient creates a control-plane REST client.
func NewRESTClient(cfg RESTConfig) *RESTClient {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &RESTClient{
		baseURL: cfg.BaseURL,
		token:   cfg.Token,
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *RESTClient) GetState(ctx context.Context, entityID string) (*EntityState, error) {
	var raw rawState
	if err := c.getJSON(ctx, "/api/states/"+url.PathEscape(entityID), &raw); err != nil {
		return nil, fmt.Errorf("get state %s: %w", entityID, err)
	}
	state := raw.toEntityState()
	return &state, nil
}

func (c *RESTClient) ListEntities(ctx context.Context, domain, area string) ([]EntityState, error) {
	all, err := c.Registry(ctx)
	if err != nil {
		return nil, err
	}
	if domain == "" && area == "" {
		return all, nil
	}
	var out []EntityState
	for _, e := range all {
		if domain != "" && entityDomain(e.EntityID) != domain {
			continue
		}
		if area != "" && e.Area != area {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (c *RESTClient) CallService(ctx context.Context, domain, service string, data map[string]any) (json.RawMessage, error) {
	path := fmt.Sprintf("/api/services/%s/%s", url.PathEscape(domain), url.PathEscape(service))
	body, err := c.postJSON(ctx, path, data)
	if err != nil {
		return nil, fmt.Errorf("call service %s.%s: %w", domain, service, err)
	}
	return body, nil
}

func (c *RESTClient) History(ctx context.Context, entityID string, start, end time.Time) ([]StateChange, error) {
	path := fmt.Sprintf("/api/history/period/%s?filter_entity_id=%s&end_time=%s",
		url.PathEscape(start.UTC().Format(time.RFC3339)),
		url.QueryEscape(entityID),
		url.QueryEscape(end.UTC().Format(time.RFC3339)))

	var periods [][]struct {
		State       string    `json:"state"`
		LastChanged time.Time `json:"last_changed"`
	}
	if err := c.getJSON(ctx, path, &periods); err != nil {
		return nil, fmt.Errorf("history %s: %w", entityID, err)
	}

	var out []StateChange
	for _, period := range periods {
		for _, p := range period {
			out = append(out, StateChange{State: p.State, ChangedAt: p.LastChanged})
		}
	}
	return out, nil
}

func (c *RESTClient) Registry(ctx context.Context) ([]EntityState, error) {
	var raws []rawState
	if err := c.getJSON(ctx, "/api/states", &raws); err != nil {
		return nil, fmt.Errorf("registry snapshot: %w", err)
	}
	out := make([]EntityState, 0, len(raws))
	for _, raw := range raws {
		out = append(out, raw.toEntityState())
	}
	return out, nil
}

func (c *RESTClient) CreateAutomation(ctx context.Context, yamlDef string) (string, error) {
	body, err := c.postJSON(ctx, "/api/config/automation/config", map[string]any{"yaml": yamlDef})
	if err != nil {
		return "", fmt.Errorf("create automation: %w", err)
	}
	return idFromResponse(body), nil
}

func (c *RESTClient) ListAutomations(ctx context.Context) ([]Automation, error) {
	states, err := c.ListEntities(ctx, "automation", "")
	if err != nil {
		return nil, err
	}
	out := make([]Automation, 0, len(states))
	for _, s := range states {
		out = append(out, Automation{
			ID:      s.EntityID,
			Alias:   s.FriendlyName,
			Enabled: s.State == "on",
		})
	}
	return out, nil
}

func (c *RESTClient) TriggerAutomation(ctx context.Context, id string) error {
	_, err := c.CallService(ctx, "automation", "trigger", map[string]any{"entity_id": id})
	return err
}

func (c *RESTClient) CreateDashboard(ctx context.Context, yamlDef string) (string, error) {
	body, err := c.postJSON(ctx, "/api/config/lovelace/dashboards", map[string]any{"yaml": yamlDef})
	if err != nil {
		return "", fmt.Errorf("create dashboard: %w", err)
	}
	return idFromResponse(body), nil
}

func (c *RESTClient) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *RESTClient) postJSON(ctx context.Context, path string, payload any) (json.RawMessage, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	var raw json.RawMessage
	if err := c.do(req, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func (c *RESTClient) do(req *http.Request, out any) error {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("control plane error (%d): %s", resp.StatusCode, string(respBody))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// rawState is the wire shape of a state object.
type rawState struct {
	EntityID    string         `json:"entity_id"`
	State       string         `json:"state"`
	Attributes  map[string]any `json:"attributes"`
	LastChanged time.Time      `json:"last_changed"`
}

func (r rawState) toEntityState() EntityState {
	e := EntityState{
		EntityID:    r.EntityID,
		State:       r.State,
		Attributes:  r.Attributes,
		LastChanged: r.LastChanged,
	}
	if v, ok := r.Attributes["friendly_name"].(string); ok {
		e.FriendlyName = v
	}
	if v, ok := r.Attributes["area"].(string); ok {
		e.Area = v
	}
	if v, ok := r.Attributes["device_class"].(string); ok {
		e.DeviceClass = v
	}
	if v, ok := r.Attributes["unit_of_measurement"].(string); ok {
		e.Unit = v
	}
	return e
}

func idFromResponse(body json.RawMessage) string {
	var parsed struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.ID != "" {
		return parsed.ID
	}
	return ""
}

// entityDomain returns the domain prefix of an entity id.
func entityDomain(entityID string) string {
	for i := 0; i < len(entityID); i++ {
		if entityID[i] == '.' {
			return entityID[:i]
		}
	}
	return entityID
}
