package model

import (
	"errors"
	"strings"
	"time"
)

// UserIdentity 是后端返回的当前登录用户。
type UserIdentity struct {
	ID             string `json:"id"`
	Name           string `json:"name,omitempty"`
	Username       string `json:"username,omitempty"`
	Email          string `json:"email"`
	Role           string `json:"role,omitempty"`
	ProfilePicture string `json:"profilePicture,omitempty"`
	Biography      string `json:"biography,omitempty"`
}

// IsAdmin 判断用户是否具有管理员角色。
func (u *UserIdentity) IsAdmin() bool {
	return u != nil && u.Role == "admin"
}

// Credentials 是持久化存储中成对保存的 user/token。
// 约定：两者在一次写入中同时更新，不允许只更新其中一个。
type Credentials struct {
	User  *UserIdentity `json:"user,omitempty"`
	Token string        `json:"token,omitempty"`
}

// Complete 表示 user 与 token 同时存在，可以直接作为会话使用。
func (c Credentials) Complete() bool {
	return c.User != nil && c.Token != ""
}

// Empty 表示存储中没有任何会话信息。
func (c Credentials) Empty() bool {
	return c.User == nil && c.Token == ""
}

// Session 是 SessionStore 对外暴露的只读快照。
type Session struct {
	User     *UserIdentity `json:"user"`
	Token    string        `json:"-"`
	Hydrated bool          `json:"hydrated"`
	Checking bool          `json:"checking"`
}

// IsAuthenticated 只看 user，token 缺失（纯 cookie 会话）也算已登录。
func (s Session) IsAuthenticated() bool {
	return s.User != nil
}

// IsAdmin 判断当前会话是否为管理员。
func (s Session) IsAdmin() bool {
	return s.User.IsAdmin()
}

// LoginInput 登录表单。
type LoginInput struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Validate 在发起网络请求前做本地校验。
func (in LoginInput) Validate() error {
	if strings.TrimSpace(in.Email) == "" || !strings.Contains(in.Email, "@") {
		return errors.New("a valid email is required")
	}
	if in.Password == "" {
		return errors.New("password is required")
	}
	return nil
}

// RegisterInput 注册表单。
type RegisterInput struct {
	Name            string `json:"name"`
	Username        string `json:"username,omitempty"`
	Email           string `json:"email"`
	Password        string `json:"password"`
	ConfirmPassword string `json:"confirmPassword"`
}

// Validate 在发起网络请求前做本地校验。
func (in RegisterInput) Validate() error {
	if strings.TrimSpace(in.Name) == "" {
		return errors.New("name is required")
	}
	if err := (LoginInput{Email: in.Email, Password: in.Password}).Validate(); err != nil {
		return err
	}
	if in.ConfirmPassword != "" && in.ConfirmPassword != in.Password {
		return errors.New("passwords do not match")
	}
	return nil
}

// AuthResponse 是登录/注册接口的返回体，两个字段都可能缺失。
type AuthResponse struct {
	User  *UserIdentity `json:"user"`
	Token string        `json:"token"`
}

// InteractionState 是单个 pin 的点赞交互状态。
type InteractionState struct {
	Liked      bool `json:"liked"`
	LikesCount uint `json:"likesCount"`
	Pending    bool `json:"pending"`
}

// LikeStatus 是 /pins/likeStatus/:id 返回的权威状态。
type LikeStatus struct {
	Liked      bool `json:"liked"`
	LikesCount uint `json:"likesCount"`
}

// CommentAuthor 评论作者。
type CommentAuthor struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Username string `json:"username,omitempty"`
	Avatar   string `json:"avatar,omitempty"`
}

// CommentRecord 是服务端确认后的评论，id 与时间戳由后端分配。
type CommentRecord struct {
	ID        string        `json:"id"`
	Text      string        `json:"text"`
	CreatedAt time.Time     `json:"createdAt"`
	Author    CommentAuthor `json:"user"`
}

// ReportTargetType 举报对象类型。
type ReportTargetType string

const (
	ReportTargetPin     ReportTargetType = "pin"
	ReportTargetComment ReportTargetType = "comment"
	ReportTargetUser    ReportTargetType = "user"
)

// ReportKind 举报分类。
type ReportKind string

const (
	ReportSpam     ReportKind = "spam"
	ReportViolence ReportKind = "violence"
	ReportSexual   ReportKind = "sexual"
	ReportHate     ReportKind = "hate"
	ReportOther    ReportKind = "other"
)

// Report 是 POST /reports 的请求体。
type Report struct {
	TargetType ReportTargetType `json:"targetType"`
	TargetID   string           `json:"targetId"`
	Kind       ReportKind       `json:"type"`
	Reason     string           `json:"reason,omitempty"`
}

// Validate 检查举报字段是否落在后端接受的枚举内。
func (r Report) Validate() error {
	switch r.TargetType {
	case ReportTargetPin, ReportTargetComment, ReportTargetUser:
	default:
		return errors.New("unknown report target type: " + string(r.TargetType))
	}
	if strings.TrimSpace(r.TargetID) == "" {
		return errors.New("report target id is required")
	}
	switch r.Kind {
	case ReportSpam, ReportViolence, ReportSexual, ReportHate, ReportOther:
	default:
		return errors.New("unknown report type: " + string(r.Kind))
	}
	return nil
}

// Hashtag 标签。
type Hashtag struct {
	ID  string `json:"id"`
	Tag string `json:"tag"`
}

// Pin 是列表接口中的一条 pin。
type Pin struct {
	ID            string    `json:"id"`
	Image         string    `json:"image,omitempty"`
	Description   string    `json:"description,omitempty"`
	LikesCount    uint      `json:"likesCount"`
	Liked         bool      `json:"liked"`
	CommentsCount uint      `json:"commentsCount"`
	Views         uint      `json:"views"`
	User          string    `json:"user"`
	Hashtags      []Hashtag `json:"hashtag,omitempty"`
}

// LikeStatus 返回列表里预加载的点赞状态。
func (p Pin) LikeStatus() LikeStatus {
	return LikeStatus{Liked: p.Liked, LikesCount: p.LikesCount}
}

// PinDetail 是 /pins/:id 的返回体，附带评论列表。
type PinDetail struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Image       string          `json:"image"`
	Description string          `json:"description,omitempty"`
	Likes       uint            `json:"likes"`
	Comment     uint            `json:"comment"`
	Views       uint            `json:"views"`
	Created     string          `json:"created,omitempty"`
	Comments    []CommentRecord `json:"comments"`
	Hashtags    []Hashtag       `json:"hashtag"`
	User        string          `json:"user"`
}

// Category pin 分类。
type Category struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// NewPin 是创建 pin 的请求体，hashtags 是纯字符串数组。
type NewPin struct {
	Image       string   `json:"image"`
	Description string   `json:"description"`
	CategoryID  string   `json:"categoryId"`
	Hashtags    []string `json:"hashtags,omitempty"`
}

// Validate 创建 pin 前的本地校验。
func (p NewPin) Validate() error {
	if strings.TrimSpace(p.Image) == "" {
		return errors.New("image url is required")
	}
	if strings.TrimSpace(p.CategoryID) == "" {
		return errors.New("category is required")
	}
	return nil
}

// UploadSignature 是后端签发的 Cloudinary 上传签名。
// APIKey/CloudName 只有头像签名会带，pin 上传走本地配置。
type UploadSignature struct {
	Signature string `json:"signature"`
	Timestamp int64  `json:"timestamp"`
	Folder    string `json:"folder"`
	APIKey    string `json:"apiKey,omitempty"`
	CloudName string `json:"cloudName,omitempty"`
}

// Post 是个人主页里展示的 pin 摘要。
type Post struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	ImageURL  string    `json:"imageUrl"`
	Likes     uint      `json:"likes"`
	Views     uint      `json:"views"`
	CreatedAt time.Time `json:"createdAt"`
	Tags      []string  `json:"tags"`
}

// ProfilePatch 是更新个人资料的请求体，空字段不提交。
type ProfilePatch struct {
	Name      string `json:"name,omitempty"`
	Username  string `json:"username,omitempty"`
	Email     string `json:"email,omitempty"`
	Biography string `json:"biography,omitempty"`
}
