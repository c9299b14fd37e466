package model

// UserProfile is the display identity served by the external user service.
// The messaging core never stores users; it only references their ids.
type UserProfile struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	AvatarURL string `json:"avatar_url"`
}
