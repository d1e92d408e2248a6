package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const (
	PlatformTelegram  = "telegram"
	PlatformTwitter   = "twitter"
	PlatformFacebook  = "facebook"
	PlatformYoutube   = "youtube"
	PlatformInstagram = "instagram"
	PlatformTiktok    = "tiktok"
)

const (
	TelegramModeBot  = "bot"
	TelegramModeUser = "user"
)

type SocialAccount struct {
	ID              int64       `db:"id" json:"id"`
	UserID          int64       `db:"user_id" json:"user_id"`
	Platform        string      `db:"platform" json:"platform"`
	AccountID       string      `db:"account_id" json:"account_id"`
	AccountName     string      `db:"account_name" json:"account_name"`
	AccountUsername string      `db:"account_username" json:"account_username"`
	AccessToken     string      `db:"access_token" json:"-"`
	RefreshToken    string      `db:"refresh_token" json:"-"`
	TokenExpiresAt  time.Time   `db:"token_expires_at" json:"token_expires_at"`
	Credentials     Credentials `db:"credentials" json:"credentials"`
	IsActive        bool        `db:"is_active" json:"is_active"`
	CreatedAt       time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time   `db:"updated_at" json:"updated_at"`
}

// Live reports whether the account can take part in a relay right now.
func (a *SocialAccount) Live() bool {
	return a != nil && a.IsActive && !a.Credentials.Reauth.Required
}

// Credentials holds the platform specific part of an account. Exactly one of
// the platform fields is set and it must match the account platform.
type Credentials struct {
	Telegram  *TelegramCredentials  `json:"telegram,omitempty"`
	Twitter   *TwitterCredentials   `json:"twitter,omitempty"`
	Facebook  *FacebookCredentials  `json:"facebook,omitempty"`
	Youtube   *YoutubeCredentials   `json:"youtube,omitempty"`
	Instagram *InstagramCredentials `json:"instagram,omitempty"`
	Tiktok    *TiktokCredentials    `json:"tiktok,omitempty"`
	Reauth    ReauthState           `json:"reauth"`
}

type ReauthState struct {
	Required  bool       `json:"required"`
	Reason    string     `json:"reason,omitempty"`
	FlaggedAt *time.Time `json:"flagged_at,omitempty"`
}

type TelegramCredentials struct {
	Mode          string   `json:"mode"`
	SessionString string   `json:"session_string,omitempty"`
	ChatIDs       []string `json:"chat_ids,omitempty"`
}

type TwitterCredentials struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
}

type FacebookCredentials struct {
	PageID string `json:"page_id"`
}

type YoutubeCredentials struct {
	ChannelID     string `json:"channel_id"`
	PrivacyStatus string `json:"privacy_status,omitempty"`
	CategoryID    string `json:"category_id,omitempty"`
}

type InstagramCredentials struct {
	IGUserID string `json:"ig_user_id"`
}

type TiktokCredentials struct {
	OpenID       string `json:"open_id"`
	PrivacyLevel string `json:"privacy_level,omitempty"`
}

var ErrCredentialsMismatch = errors.New("credentials do not match account platform")

// ParseCredentials decodes the stored credentials document and checks that
// only the variant belonging to platform is present.
func ParseCredentials(platform string, raw []byte) (Credentials, error) {
	var c Credentials
	if len(raw) == 0 {
		return c, nil
	}
	if err := json.Unmarshal(raw, &c); err != nil {
		return Credentials{}, fmt.Errorf("decode credentials: %w", err)
	}
	if err := c.Validate(platform); err != nil {
		return Credentials{}, err
	}
	return c, nil
}

func (c Credentials) Validate(platform string) error {
	set := map[string]bool{
		PlatformTelegram:  c.Telegram != nil,
		PlatformTwitter:   c.Twitter != nil,
		PlatformFacebook:  c.Facebook != nil,
		PlatformYoutube:   c.Youtube != nil,
		PlatformInstagram: c.Instagram != nil,
		PlatformTiktok:    c.Tiktok != nil,
	}
	if _, known := set[platform]; !known {
		return fmt.Errorf("unknown platform %q", platform)
	}
	for p, ok := range set {
		if ok && p != platform {
			return fmt.Errorf("%w: %s account carries %s credentials", ErrCredentialsMismatch, platform, p)
		}
	}
	if c.Telegram != nil {
		switch c.Telegram.Mode {
		case "", TelegramModeBot, TelegramModeUser:
		default:
			return fmt.Errorf("unknown telegram mode %q", c.Telegram.Mode)
		}
	}
	return nil
}

// AccountPatch is a partial update of an account. Nil fields are left as is.
type AccountPatch struct {
	AccessToken    *string
	RefreshToken   *string
	TokenExpiresAt *time.Time
	IsActive       *bool
	Credentials    *Credentials
}
