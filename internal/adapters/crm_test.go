package adapters

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/JET1478/Claude-B2B-Implementation/internal/domain"
	"github.com/JET1478/Claude-B2B-Implementation/internal/testutil"
)

func crmTenant(baseURL string) *domain.Tenant {
	return &domain.Tenant{
		ID:         "t1",
		CRMBaseURL: baseURL,
		CRMAPIKey:  "crm-test-key",
	}
}

func TestUpsertContactAndCreateDeal_Replayed(t *testing.T) {
	client := NewCRMClient(WithCRMHTTPClient(testutil.VCR(t, "crm_lead")))
	tenant := crmTenant("https://crm.example.com/api")
	ctx := context.Background()

	contactID, err := client.UpsertContact(ctx, tenant, Contact{
		Email:   "dana@bigco.example",
		Name:    "Dana Reyes",
		Company: "BigCo",
		Source:  "webform",
	})
	if err != nil {
		t.Fatalf("UpsertContact: %v", err)
	}
	if contactID != "contact_8831" {
		t.Errorf("contactID = %q", contactID)
	}

	dealID, err := client.CreateDeal(ctx, tenant, Deal{
		ContactID: contactID,
		Title:     "Inbound lead: BigCo",
		Score:     82,
		Stage:     "qualified",
	})
	if err != nil {
		t.Fatalf("CreateDeal: %v", err)
	}
	if dealID != "deal_2207" {
		t.Errorf("dealID = %q", dealID)
	}
}

func TestCRM_ErrorStatusIsAdapterError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	client := NewCRMClient(WithCRMHTTPClient(srv.Client()))
	_, err := client.UpsertContact(context.Background(), crmTenant(srv.URL), Contact{Email: "x@example.com"})
	if !domain.IsType(err, domain.ErrorTypeAdapter) {
		t.Fatalf("err = %v, want adapter error", err)
	}
}

func TestCRM_Unconfigured(t *testing.T) {
	client := NewCRMClient()
	_, err := client.UpsertContact(context.Background(), &domain.Tenant{ID: "t1"}, Contact{Email: "x@example.com"})
	if !domain.IsType(err, domain.ErrorTypeAdapter) {
		t.Fatalf("err = %v, want adapter error", err)
	}
}

func TestDealTitle(t *testing.T) {
	c := &domain.Case{Input: domain.CaseInput{Company: "BigCo"}}
	if got := DealTitle(c); got != "Inbound lead: BigCo" {
		t.Errorf("DealTitle = %q", got)
	}

	c = &domain.Case{Input: domain.CaseInput{Email: "solo@example.com"}}
	if got := DealTitle(c); got != "Inbound lead: solo@example.com" {
		t.Errorf("DealTitle fallback = %q", got)
	}
}
