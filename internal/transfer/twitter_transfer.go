package transfer

type TweetRequest struct {
	Text  string      `json:"text,omitempty"`
	Media *TweetMedia `json:"media,omitempty"`
}

type TweetMedia struct {
	MediaIDs []string `json:"media_ids"`
}

type TweetResponse struct {
	Data struct {
		ID   string `json:"id"`
		Text string `json:"text"`
	} `json:"data"`
	Errors []TwitterError `json:"errors,omitempty"`
}

type TwitterError struct {
	Title   string `json:"title,omitempty"`
	Detail  string `json:"detail,omitempty"`
	Message string `json:"message,omitempty"`
	Type    string `json:"type,omitempty"`
}

type MediaUploadResponse struct {
	Data struct {
		ID       string `json:"id"`
		MediaKey string `json:"media_key"`
	} `json:"data"`
}

type StreamRule struct {
	ID    string `json:"id,omitempty"`
	Value string `json:"value"`
	Tag   string `json:"tag,omitempty"`
}

type StreamRulesResponse struct {
	Data []StreamRule `json:"data"`
	Meta struct {
		ResultCount int `json:"result_count"`
	} `json:"meta"`
	Errors []TwitterError `json:"errors,omitempty"`
}

type StreamRulesRequest struct {
	Add    []StreamRule       `json:"add,omitempty"`
	Delete *StreamRulesDelete `json:"delete,omitempty"`
}

type StreamRulesDelete struct {
	IDs []string `json:"ids"`
}

// StreamEvent is one line of the filtered stream.
type StreamEvent struct {
	Data          *StreamTweet   `json:"data,omitempty"`
	Includes      StreamIncludes `json:"includes"`
	MatchingRules []StreamRule   `json:"matching_rules,omitempty"`
	Errors        []TwitterError `json:"errors,omitempty"`
}

type StreamTweet struct {
	ID               string            `json:"id"`
	Text             string            `json:"text"`
	AuthorID         string            `json:"author_id"`
	CreatedAt        string            `json:"created_at,omitempty"`
	InReplyToUserID  string            `json:"in_reply_to_user_id,omitempty"`
	ReferencedTweets []ReferencedTweet `json:"referenced_tweets,omitempty"`
	Attachments      *struct {
		MediaKeys []string `json:"media_keys,omitempty"`
	} `json:"attachments,omitempty"`
}

type ReferencedTweet struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

type StreamIncludes struct {
	Users []StreamUser  `json:"users,omitempty"`
	Media []StreamMedia `json:"media,omitempty"`
}

type StreamUser struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Name     string `json:"name"`
}

type StreamMedia struct {
	MediaKey        string         `json:"media_key"`
	Type            string         `json:"type"`
	URL             string         `json:"url,omitempty"`
	PreviewImageURL string         `json:"preview_image_url,omitempty"`
	Variants        []MediaVariant `json:"variants,omitempty"`
}

type MediaVariant struct {
	BitRate     int    `json:"bit_rate,omitempty"`
	ContentType string `json:"content_type"`
	URL         string `json:"url"`
}
