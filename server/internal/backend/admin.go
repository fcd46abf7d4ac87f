package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"pinboard/server/internal/model"
)

func (c *Client) AdminOverview(ctx context.Context) (model.AdminOverview, error) {
	var out model.AdminOverview
	err := c.get(ctx, "/admin/overview", nil, &out)
	return out, err
}

func (c *Client) AdminUsers(ctx context.Context, q string, page, limit int) (model.AdminUsersPage, error) {
	query := pageQuery(page, limit)
	query.Set("q", q)
	var out model.AdminUsersPage
	err := c.get(ctx, "/admin/users", query, &out)
	return out, err
}

// SetUserStatus 启用/停用用户，status 只能是 active 或 suspended。
func (c *Client) SetUserStatus(ctx context.Context, id, status string) (*model.AdminUser, error) {
	if status != "active" && status != "suspended" {
		return nil, Validation(fmt.Errorf("unknown user status %q", status))
	}
	var out model.AdminUser
	if err := c.patch(ctx, "/admin/users/"+esc(id)+"/status", map[string]string{"status": status}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) SetUserRole(ctx context.Context, id string, isAdmin bool) (*model.AdminUser, error) {
	var out model.AdminUser
	if err := c.patch(ctx, "/admin/users/"+esc(id)+"/role", map[string]bool{"isAdmin": isAdmin}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) AdminReports(ctx context.Context) ([]model.AdminReport, error) {
	var out []model.AdminReport
	if err := c.get(ctx, "/admin/reports", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SetReportStatus 处理举报，status 只能是 open/resolved/dismissed。
func (c *Client) SetReportStatus(ctx context.Context, id, status string) (*model.AdminReport, error) {
	switch status {
	case "open", "resolved", "dismissed":
	default:
		return nil, Validation(fmt.Errorf("unknown report status %q", status))
	}
	var out model.AdminReport
	if err := c.patch(ctx, "/admin/reports/"+esc(id), map[string]string{"status": status}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) AdminSubscriptions(ctx context.Context) ([]model.AdminSubscription, error) {
	var out []model.AdminSubscription
	if err := c.get(ctx, "/admin/subscriptions", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) AdminPayments(ctx context.Context) ([]model.AdminPayment, error) {
	var out []model.AdminPayment
	if err := c.get(ctx, "/admin/payments", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// AdminPlans 返回套餐列表。价格可能是字符串，features 可能是 CSV，统一归一。
func (c *Client) AdminPlans(ctx context.Context) ([]model.AdminPlan, error) {
	var wire []struct {
		PricePerMonth json.RawMessage `json:"pricePerMonth"`
		Features      json.RawMessage `json:"features"`
		model.AdminPlan
	}
	if err := c.get(ctx, "/admin/plans", nil, &wire); err != nil {
		return nil, err
	}

	out := make([]model.AdminPlan, 0, len(wire))
	for _, w := range wire {
		p := w.AdminPlan
		price, err := strconv.ParseFloat(rawScalar(w.PricePerMonth), 64)
		if err != nil {
			price = 0
		}
		p.PricePerMonth = price
		features, err := decodeFeatures(w.Features)
		if err != nil {
			return nil, fmt.Errorf("%w: plan %s: %w", ErrTransientFailure, p.ID, err)
		}
		p.Features = features
		if p.Features == nil {
			p.Features = []string{}
		}
		out = append(out, p)
	}
	return out, nil
}

type planPayload struct {
	ID            string  `json:"id,omitempty"`
	Name          string  `json:"name"`
	PricePerMonth float64 `json:"pricePerMonth"`
	Currency      string  `json:"currency"`
	FeaturesCSV   string  `json:"featuresCsv"`
	IsActive      bool    `json:"isActive"`
	Type          string  `json:"type,omitempty"`
}

func toPlanPayload(in model.UpsertPlanInput) planPayload {
	return planPayload{
		ID:            in.ID,
		Name:          in.Name,
		PricePerMonth: in.PricePerMonth,
		Currency:      in.Currency,
		FeaturesCSV:   joinCSV(in.Features),
		IsActive:      in.IsActive,
		Type:          in.Type,
	}
}

func validatePlan(in model.UpsertPlanInput) error {
	if in.Name == "" {
		return Validation(fmt.Errorf("plan name is required"))
	}
	if in.PricePerMonth < 0 {
		return Validation(fmt.Errorf("plan price must not be negative"))
	}
	switch in.Currency {
	case "USD", "COP", "ARS":
	default:
		return Validation(fmt.Errorf("unsupported currency %q", in.Currency))
	}
	return nil
}

// UpsertPlan 创建套餐（带 id 时由后端按 id 覆盖）。
func (c *Client) UpsertPlan(ctx context.Context, in model.UpsertPlanInput) (*model.AdminPlan, error) {
	if err := validatePlan(in); err != nil {
		return nil, err
	}
	var out model.AdminPlan
	if err := c.post(ctx, "/admin/plans", toPlanPayload(in), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) UpdatePlan(ctx context.Context, id string, in model.UpsertPlanInput) (*model.AdminPlan, error) {
	if err := validatePlan(in); err != nil {
		return nil, err
	}
	payload := toPlanPayload(in)
	payload.ID = ""
	var out model.AdminPlan
	if err := c.patch(ctx, "/admin/plans/"+esc(id), payload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) TogglePlan(ctx context.Context, id string) (*model.AdminPlan, error) {
	var out model.AdminPlan
	if err := c.patch(ctx, "/admin/plans/"+esc(id)+"/toggle", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) DeletePlan(ctx context.Context, id string) error {
	return c.delete(ctx, "/admin/plans/"+esc(id), nil)
}
