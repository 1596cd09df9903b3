package syntheticapi

// Message mirrors a chat turn returned by the synthetic API.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type GeneratePromptRequest struct {
	Kind string `json:"kind"`
}

type GeneratePromptResponse struct {
	Success  bool      `json:"success"`
	Prompt   string    `json:"prompt"`
	Messages []Message `json:"messages"`
}

type InitImageResponse struct {
	Success  bool   `json:"success"`
	ImageB64 string `json:"image_b64"`
}
