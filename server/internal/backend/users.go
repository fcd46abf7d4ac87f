package backend

import (
	"context"
	"net/url"
	"strconv"
	"time"

	"pinboard/server/internal/model"
)

// backendPin 是用户主页接口返回的原始 pin。
type backendPin struct {
	ID          string          `json:"id"`
	Image       string          `json:"image"`
	Description string          `json:"description"`
	LikesCount  *uint           `json:"likesCount"`
	ViewsCount  *uint           `json:"viewsCount"`
	CreatedAt   time.Time       `json:"createdAt"`
	Hashtags    []model.Hashtag `json:"hashtags"`
}

func (p backendPin) toPost() model.Post {
	post := model.Post{
		ID:        p.ID,
		Title:     p.Description,
		ImageURL:  p.Image,
		CreatedAt: p.CreatedAt,
		Tags:      make([]string, 0, len(p.Hashtags)),
	}
	if post.Title == "" {
		post.Title = "Untitled"
	}
	if p.LikesCount != nil {
		post.Likes = *p.LikesCount
	}
	if p.ViewsCount != nil {
		post.Views = *p.ViewsCount
	}
	for _, h := range p.Hashtags {
		if h.Tag != "" {
			post.Tags = append(post.Tags, h.Tag)
		}
	}
	return post
}

func pageQuery(page, limit int) url.Values {
	if page <= 0 {
		page = 1
	}
	if limit <= 0 {
		limit = 20
	}
	return url.Values{"page": {strconv.Itoa(page)}, "limit": {strconv.Itoa(limit)}}
}

// UserPins 返回用户发布的 pin。
func (c *Client) UserPins(ctx context.Context, userID string, page, limit int) ([]model.Post, error) {
	return c.userPosts(ctx, "/users/"+esc(userID)+"/pins", page, limit)
}

// LikedPins 返回用户点过赞的 pin。
func (c *Client) LikedPins(ctx context.Context, userID string, page, limit int) ([]model.Post, error) {
	return c.userPosts(ctx, "/users/"+esc(userID)+"/liked-pins", page, limit)
}

func (c *Client) userPosts(ctx context.Context, path string, page, limit int) ([]model.Post, error) {
	var raw []backendPin
	if err := c.get(ctx, path, pageQuery(page, limit), &raw); err != nil {
		return nil, err
	}
	posts := make([]model.Post, 0, len(raw))
	for _, p := range raw {
		posts = append(posts, p.toPost())
	}
	return posts, nil
}

// UpdateProfile 更新个人资料。
func (c *Client) UpdateProfile(ctx context.Context, userID string, patch model.ProfilePatch) (*model.UserIdentity, error) {
	var out model.UserIdentity
	if err := c.put(ctx, "/users/"+esc(userID), patch, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SetProfilePicture 把 Cloudinary 的 public_id 绑定为头像。
func (c *Client) SetProfilePicture(ctx context.Context, userID, publicID string) (*model.UserIdentity, error) {
	var out model.UserIdentity
	body := map[string]string{"publicId": publicID}
	if err := c.patch(ctx, "/users/"+esc(userID)+"/profile-picture", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
