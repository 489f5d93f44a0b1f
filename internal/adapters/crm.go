package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/JET1478/Claude-B2B-Implementation/internal/domain"
)

// CRMClient talks to a tenant's CRM over its REST API: contacts are
// upserted by email, deals are created under a contact.
type CRMClient struct {
	httpClient *http.Client
}

type CRMOption func(*CRMClient)

func WithCRMHTTPClient(c *http.Client) CRMOption {
	return func(cl *CRMClient) { cl.httpClient = c }
}

func NewCRMClient(opts ...CRMOption) *CRMClient {
	cl := &CRMClient{
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(cl)
	}
	return cl
}

// Contact is the CRM-side representation of a lead.
type Contact struct {
	Email   string `json:"email"`
	Name    string `json:"name,omitempty"`
	Company string `json:"company,omitempty"`
	Phone   string `json:"phone,omitempty"`
	Source  string `json:"source,omitempty"`
}

// Deal is an opportunity attached to a contact.
type Deal struct {
	ContactID string  `json:"contact_id"`
	Title     string  `json:"title"`
	Score     float64 `json:"score"`
	Stage     string  `json:"stage"`
	Notes     string  `json:"notes,omitempty"`
}

type crmIDResponse struct {
	ID string `json:"id"`
}

// UpsertContact creates or updates a contact keyed on email and returns
// the CRM contact ID.
func (cl *CRMClient) UpsertContact(ctx context.Context, tenant *domain.Tenant, contact Contact) (string, error) {
	return cl.post(ctx, tenant, "/contacts/upsert", contact)
}

// CreateDeal opens a deal for the contact and returns the CRM deal ID.
func (cl *CRMClient) CreateDeal(ctx context.Context, tenant *domain.Tenant, deal Deal) (string, error) {
	return cl.post(ctx, tenant, "/deals", deal)
}

func (cl *CRMClient) post(ctx context.Context, tenant *domain.Tenant, path string, payload any) (string, error) {
	if tenant.CRMBaseURL == "" {
		return "", domain.NewError(domain.ErrorTypeAdapter, "no crm configured")
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", domain.WrapError(domain.ErrorTypeAdapter, err, "encode crm payload")
	}

	url := strings.TrimRight(tenant.CRMBaseURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", domain.WrapError(domain.ErrorTypeAdapter, err, "build crm request")
	}
	req.Header.Set("Content-Type", "application/json")
	if tenant.CRMAPIKey != "" {
		req.Header.Set("Authorization", "Bearer "+tenant.CRMAPIKey)
	}

	resp, err := cl.httpClient.Do(req)
	if err != nil {
		return "", domain.WrapError(domain.ErrorTypeAdapter, err, "post to crm")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", domain.NewError(domain.ErrorTypeAdapter, "crm %s returned %d", path, resp.StatusCode)
	}

	var out crmIDResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", domain.WrapError(domain.ErrorTypeAdapter, err, "decode crm response")
	}
	if out.ID == "" {
		return "", domain.NewError(domain.ErrorTypeAdapter, "crm %s returned no id", path)
	}
	return out.ID, nil
}

// DealTitle builds the default deal title for a qualified lead.
func DealTitle(c *domain.Case) string {
	company := c.Input.Company
	if company == "" {
		company = c.Input.Email
	}
	return fmt.Sprintf("Inbound lead: %s", company)
}
