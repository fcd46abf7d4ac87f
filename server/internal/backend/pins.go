package backend

import (
	"context"
	"net/http"
	"net/url"

	"pinboard/server/internal/model"
)

// ToggleLike 切换点赞。对客户端而言是幂等的 toggle，403 表示达到每日上限。
func (c *Client) ToggleLike(ctx context.Context, pinID string) error {
	return c.do(ctx, request{method: http.MethodPost, path: "/pins/like/" + esc(pinID), body: struct{}{}, quota: true})
}

// LikeStatus 读取权威的点赞状态。
func (c *Client) LikeStatus(ctx context.Context, pinID string) (model.LikeStatus, error) {
	var out model.LikeStatus
	err := c.get(ctx, "/pins/likeStatus/"+esc(pinID), nil, &out)
	return out, err
}

// AddComment 发表评论，返回服务端分配了 id 与时间戳的记录。
func (c *Client) AddComment(ctx context.Context, pinID, text string) (model.CommentRecord, error) {
	var out model.CommentRecord
	err := c.do(ctx, request{
		method: http.MethodPost,
		path:   "/pins/comments/" + esc(pinID),
		body:   map[string]string{"text": text},
		out:    &out,
		quota:  true,
	})
	return out, err
}

// Report 提交举报。
func (c *Client) Report(ctx context.Context, r model.Report) error {
	return c.post(ctx, "/reports", r, nil)
}

// AddView 记录一次浏览。
func (c *Client) AddView(ctx context.Context, pinID string) error {
	return c.post(ctx, "/pins/view/"+esc(pinID), nil, nil)
}

// ListPins 返回首页 pin 列表，附带当前用户的点赞状态。
func (c *Client) ListPins(ctx context.Context) ([]model.Pin, error) {
	var out []model.Pin
	if err := c.get(ctx, "/pins", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SearchPins 按关键字搜索。
func (c *Client) SearchPins(ctx context.Context, q string) ([]model.Pin, error) {
	var out []model.Pin
	if err := c.get(ctx, "/pins/search", url.Values{"q": {q}}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Pin 返回 pin 详情与评论。
func (c *Client) Pin(ctx context.Context, id string) (*model.PinDetail, error) {
	var out model.PinDetail
	if err := c.get(ctx, "/pins/"+esc(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Categories 返回所有分类。
func (c *Client) Categories(ctx context.Context) ([]model.Category, error) {
	var out []model.Category
	if err := c.get(ctx, "/category", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CreatePin 保存已经上传到 Cloudinary 的图片。
func (c *Client) CreatePin(ctx context.Context, p model.NewPin) (*model.Pin, error) {
	if err := p.Validate(); err != nil {
		return nil, Validation(err)
	}
	var out model.Pin
	if err := c.post(ctx, "/pins", p, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UploadSignature 获取 Cloudinary 签名；folder 为空时由后端决定目录。
func (c *Client) UploadSignature(ctx context.Context, folder string) (model.UploadSignature, error) {
	var q url.Values
	if folder != "" {
		q = url.Values{"folder": {folder}}
	}
	var out model.UploadSignature
	err := c.get(ctx, "/files/signature", q, &out)
	return out, err
}
