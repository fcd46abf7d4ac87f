package model

import "time"

// PlanDescriptor 描述订阅套餐。后端有时返回字符串，有时返回对象，
// 在 backend 解码时一次性归一为 NamedPlan 或 DetailedPlan，下游不再做类型探测。
type PlanDescriptor interface {
	planDescriptor()
}

// NamedPlan 只有名字的套餐（"monthly"、"Pro" 等）。
type NamedPlan string

// DetailedPlan 带类型与权益列表的套餐。
type DetailedPlan struct {
	Type     string   `json:"type"`
	Features []string `json:"features"`
}

func (NamedPlan) planDescriptor()    {}
func (DetailedPlan) planDescriptor() {}

// PlanLabel 返回用于展示的套餐名，nil 视为免费套餐。
func PlanLabel(p PlanDescriptor) string {
	switch v := p.(type) {
	case NamedPlan:
		return string(v)
	case DetailedPlan:
		if v.Type != "" {
			return v.Type
		}
	}
	return "Free"
}

// PlanFeatures 返回套餐权益，NamedPlan 没有权益列表。
func PlanFeatures(p PlanDescriptor) []string {
	if d, ok := p.(DetailedPlan); ok {
		return d.Features
	}
	return nil
}

// Benefits 订阅权益。
type Benefits struct {
	Name     string   `json:"name,omitempty"`
	Features []string `json:"features,omitempty"`
}

// SubscriptionStatus 是 /subscriptions/status/:id 的归一化结果。
type SubscriptionStatus struct {
	Success          bool           `json:"success"`
	HasActivePayment bool           `json:"hasActivePayment"`
	Plan             PlanDescriptor `json:"-"`
	Status           string         `json:"status,omitempty"`
	EndsAt           string         `json:"endsAt,omitempty"`
	Benefits         *Benefits      `json:"benefits,omitempty"`
}

// PaymentHistoryItem 一条支付记录。
type PaymentHistoryItem struct {
	ID          string    `json:"id"`
	PaymentID   string    `json:"paymentId"`
	Date        time.Time `json:"date"`
	Plan        string    `json:"plan"`
	Description string    `json:"description"`
	Status      string    `json:"status"`
	USDPrice    float64   `json:"usdPrice"`
	ARSPrice    float64   `json:"arsPrice"`
	StartsAt    time.Time `json:"startsAt"`
	EndsAt      time.Time `json:"endsAt"`
	IsActive    bool      `json:"isActive"`
}

// BillingPeriod 订阅周期。
type BillingPeriod string

const (
	BillingMonthly BillingPeriod = "monthly"
	BillingAnnual  BillingPeriod = "annual"
)

// AdminOverview 管理后台概览。
type AdminOverview struct {
	TotalUsers  int     `json:"totalUsers"`
	ActiveSubs  int     `json:"activeSubs"`
	OpenReports int     `json:"openReports"`
	RevenueUSD  float64 `json:"revenueUSD"`
}

// AdminUser 管理后台用户行。
type AdminUser struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Username  string    `json:"username"`
	Email     string    `json:"email"`
	Avatar    string    `json:"avatar"`
	Plan      string    `json:"plan"`
	Posts     int       `json:"posts"`
	Status    string    `json:"status"`
	IsAdmin   bool      `json:"isAdmin"`
	CreatedAt time.Time `json:"createdAt"`
}

// AdminUsersPage 分页用户列表。
type AdminUsersPage struct {
	Total int         `json:"total"`
	Users []AdminUser `json:"users"`
}

// AdminReport 管理后台举报行。
type AdminReport struct {
	ID         string    `json:"id"`
	Reason     string    `json:"reason,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	Status     string    `json:"status"`
	TargetType string    `json:"targetType,omitempty"`
	TargetID   string    `json:"targetId,omitempty"`
}

// AdminSubscription 管理后台订阅行。
type AdminSubscription struct {
	ID            string  `json:"id"`
	UserID        string  `json:"userId"`
	UserName      string  `json:"userName"`
	Email         string  `json:"email"`
	Plan          string  `json:"plan"`
	Status        string  `json:"status"`
	StartedAt     string  `json:"startedAt"`
	RenewsAt      string  `json:"renewsAt,omitempty"`
	PricePerMonth float64 `json:"pricePerMonth"`
	Currency      string  `json:"currency"`
}

// AdminPayment 管理后台支付行。
type AdminPayment struct {
	ID          string  `json:"id"`
	Date        string  `json:"date"`
	UserID      string  `json:"userId,omitempty"`
	UserName    string  `json:"userName,omitempty"`
	Email       string  `json:"email,omitempty"`
	Description string  `json:"description"`
	Method      string  `json:"method"`
	Status      string  `json:"status"`
	Amount      float64 `json:"amount"`
	Currency    string  `json:"currency"`
}

// AdminPlan 管理后台套餐。
type AdminPlan struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	PricePerMonth float64   `json:"pricePerMonth"`
	Currency      string    `json:"currency"`
	Features      []string  `json:"features"`
	IsActive      bool      `json:"isActive"`
	CreatedAt     time.Time `json:"createdAt"`
}

// UpsertPlanInput 创建或更新套餐。Features 在提交时转成 CSV。
type UpsertPlanInput struct {
	ID            string   `json:"id,omitempty"`
	Name          string   `json:"name"`
	PricePerMonth float64  `json:"pricePerMonth"`
	Currency      string   `json:"currency"`
	Features      []string `json:"features"`
	IsActive      bool     `json:"isActive"`
	Type          string   `json:"type,omitempty"`
}
