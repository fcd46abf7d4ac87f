package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"pinboard/server/internal/model"
)

// DecodePlan 把后端的 plan 字段归一为 PlanDescriptor：
//
//	"monthly"                               -> NamedPlan("monthly")
//	{"type":"annual","features":["a","b"]}  -> DetailedPlan
//	{"type":"annual","features":"a, b"}     -> DetailedPlan（CSV 拆分）
//	null / ""                               -> nil
func DecodePlan(raw json.RawMessage) (model.PlanDescriptor, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	switch raw[0] {
	case '"':
		var name string
		if err := json.Unmarshal(raw, &name); err != nil {
			return nil, fmt.Errorf("decode plan name: %w", err)
		}
		if name == "" {
			return nil, nil
		}
		return model.NamedPlan(name), nil

	case '{':
		var obj struct {
			Type     string          `json:"type"`
			Features json.RawMessage `json:"features"`
		}
		if err := json.Unmarshal(raw, &obj); err != nil {
			return nil, fmt.Errorf("decode plan object: %w", err)
		}
		features, err := decodeFeatures(obj.Features)
		if err != nil {
			return nil, err
		}
		return model.DetailedPlan{Type: obj.Type, Features: features}, nil
	}
	return nil, errors.New("unsupported plan payload: " + string(raw))
}

func decodeFeatures(raw json.RawMessage) ([]string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	if raw[0] == '"' {
		var csv string
		if err := json.Unmarshal(raw, &csv); err != nil {
			return nil, fmt.Errorf("decode plan features: %w", err)
		}
		return splitCSV(csv), nil
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("decode plan features: %w", err)
	}
	return list, nil
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// rawScalar 把 JSON 数字或字符串统一成字符串。
func rawScalar(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(bytes.TrimSpace(raw))
}

func joinCSV(items []string) string {
	return strings.Join(splitCSV(strings.Join(items, ",")), ",")
}

// SubscriptionStatus 查询订阅状态，plan 在这里一次性归一。
func (c *Client) SubscriptionStatus(ctx context.Context, userID string) (*model.SubscriptionStatus, error) {
	var wire struct {
		Success          bool            `json:"success"`
		HasActivePayment bool            `json:"hasActivePayment"`
		Plan             json.RawMessage `json:"plan"`
		Status           string          `json:"status"`
		EndsAt           string          `json:"endsAt"`
		Benefits         *model.Benefits `json:"benefits"`
	}
	if err := c.get(ctx, "/subscriptions/status/"+esc(userID), nil, &wire); err != nil {
		return nil, err
	}
	plan, err := DecodePlan(wire.Plan)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransientFailure, err)
	}
	return &model.SubscriptionStatus{
		Success:          wire.Success,
		HasActivePayment: wire.HasActivePayment,
		Plan:             plan,
		Status:           wire.Status,
		EndsAt:           wire.EndsAt,
		Benefits:         wire.Benefits,
	}, nil
}

// PaymentHistory 返回支付历史。
func (c *Client) PaymentHistory(ctx context.Context, userID string) ([]model.PaymentHistoryItem, error) {
	// id 有时是数字有时是字符串，外层字段优先于内嵌字段解码
	var wire struct {
		History []struct {
			ID json.RawMessage `json:"id"`
			model.PaymentHistoryItem
		} `json:"history"`
	}
	if err := c.get(ctx, "/subscriptions/history/"+esc(userID), nil, &wire); err != nil {
		return nil, err
	}
	out := make([]model.PaymentHistoryItem, 0, len(wire.History))
	for _, h := range wire.History {
		item := h.PaymentHistoryItem
		item.ID = rawScalar(h.ID)
		out = append(out, item)
	}
	return out, nil
}

// CreateSubscription 创建订阅，返回支付平台的跳转地址。
func (c *Client) CreateSubscription(ctx context.Context, period model.BillingPeriod, email, userID string) (string, error) {
	if email == "" {
		return "", Validation(errors.New("user email is required"))
	}
	if period != model.BillingMonthly && period != model.BillingAnnual {
		return "", Validation(fmt.Errorf("unknown billing period %q", period))
	}
	var out struct {
		InitPoint string `json:"init_point"`
	}
	body := map[string]string{"email": email, "userId": userID}
	if err := c.post(ctx, "/subscriptions/"+string(period), body, &out); err != nil {
		return "", err
	}
	if out.InitPoint == "" {
		return "", fmt.Errorf("%w: subscription response has no init_point", ErrTransientFailure)
	}
	return out.InitPoint, nil
}
