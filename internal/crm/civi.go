package crm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// CiviClient talks to CiviCRM's REST endpoint (APIv3 entry point). Calls are
// form-encoded entity/action requests carrying a JSON params blob; the
// endpoint authenticates with an api_key/site_key pair.
type CiviClient struct {
	apiURL  string
	apiKey  string
	siteKey string
	client  *http.Client
}

var _ ContactDirectory = (*CiviClient)(nil)
var _ ActivityRecorder = (*CiviClient)(nil)

// NewCiviClient builds a client with a bounded request timeout. A zero
// timeout gets a sane default so no CRM call can block indefinitely.
func NewCiviClient(apiURL, apiKey, siteKey string, timeout time.Duration) *CiviClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &CiviClient{
		apiURL:  apiURL,
		apiKey:  apiKey,
		siteKey: siteKey,
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *CiviClient) FindByEmail(ctx context.Context, email string) (int64, bool, error) {
	params := map[string]any{
		"sequential": 1,
		"email":      email,
		"return":     []string{"id"},
		"options":    map[string]any{"limit": 1},
	}
	resp, err := c.call(ctx, "Contact", "get", params)
	if err != nil {
		return 0, false, err
	}
	if resp.Count == 0 || len(resp.Values) == 0 {
		return 0, false, nil
	}
	id, err := resp.Values[0].ID.Int64()
	if err != nil {
		return 0, false, fmt.Errorf("contact get: unparseable id: %w", err)
	}
	return id, true, nil
}

func (c *CiviClient) CreateContact(ctx context.Context, contact NewContact) (int64, error) {
	contactType := contact.ContactType
	if contactType == "" {
		contactType = "Individual"
	}
	params := map[string]any{
		"contact_type": contactType,
		"email":        contact.Email,
	}
	if contact.DisplayName != "" {
		params["display_name"] = contact.DisplayName
	}
	resp, err := c.call(ctx, "Contact", "create", params)
	if err != nil {
		return 0, err
	}
	id, err := resp.ID.Int64()
	if err != nil {
		return 0, fmt.Errorf("contact create: unparseable id: %w", err)
	}
	return id, nil
}

func (c *CiviClient) CreateActivity(ctx context.Context, activity NewActivity) (int64, error) {
	params := map[string]any{
		"activity_type_id":   activity.ActivityType,
		"source_contact_id":  activity.SourceContactID,
		"target_contact_id":  activity.TargetContactID,
		"activity_date_time": activity.DateTime,
		"subject":            activity.Subject,
		"details":            activity.Details,
	}
	if activity.AssigneeContactID != nil {
		params["assignee_contact_id"] = *activity.AssigneeContactID
	}
	resp, err := c.call(ctx, "Activity", "create", params)
	if err != nil {
		return 0, err
	}
	id, err := resp.ID.Int64()
	if err != nil {
		return 0, fmt.Errorf("activity create: unparseable id: %w", err)
	}
	return id, nil
}

type civiResponse struct {
	IsError      int         `json:"is_error"`
	ErrorMessage string      `json:"error_message"`
	Count        int         `json:"count"`
	ID           flexID      `json:"id"`
	Values       []civiValue `json:"values"`
}

type civiValue struct {
	ID flexID `json:"id"`
}

// flexID tolerates CiviCRM returning ids as either numbers or strings.
type flexID string

func (f *flexID) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "null" {
		s = ""
	}
	*f = flexID(s)
	return nil
}

func (f flexID) Int64() (int64, error) {
	if f == "" {
		return 0, fmt.Errorf("missing id")
	}
	return strconv.ParseInt(string(f), 10, 64)
}

func (c *CiviClient) call(ctx context.Context, entity, action string, params map[string]any) (*civiResponse, error) {
	if c.apiURL == "" {
		return nil, fmt.Errorf("crm api_url is not configured")
	}

	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("civicrm %s.%s: marshal params: %w", entity, action, err)
	}

	form := url.Values{}
	form.Set("entity", entity)
	form.Set("action", action)
	form.Set("api_key", c.apiKey)
	form.Set("key", c.siteKey)
	form.Set("json", string(paramsJSON))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("civicrm %s.%s: build request: %w", entity, action, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("civicrm %s.%s: %w", entity, action, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("civicrm %s.%s: read response: %w", entity, action, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("civicrm %s.%s: unexpected status %d", entity, action, resp.StatusCode)
	}

	var parsed civiResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("civicrm %s.%s: decode response: %w", entity, action, err)
	}
	if parsed.IsError != 0 {
		return nil, fmt.Errorf("civicrm %s.%s: %s", entity, action, parsed.ErrorMessage)
	}
	return &parsed, nil
}
