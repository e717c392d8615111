package usage

import "encoding/json"

// tokenShape matches the conventional usage block emitted by generation
// backends. Pointer fields distinguish "absent" from an explicit zero so the
// first-match-wins order below is stable.
type tokenShape struct {
	Usage *struct {
		TotalTokens      *int `json:"total_tokens"`
		PromptTokens     *int `json:"prompt_tokens"`
		CompletionTokens *int `json:"completion_tokens"`
	} `json:"usage"`
	Tokens *int `json:"tokens"`
}

// ExtractTokens pulls a best-effort token count out of a response body.
// Recognized shapes, first match wins: usage.total_tokens, then
// usage.prompt_tokens + usage.completion_tokens, then a top-level tokens
// field. Anything unrecognizable (wrong shape, or not JSON at all) yields 0,
// never an error: metering must not care what the backend returned.
func ExtractTokens(body []byte) int {
	if len(body) == 0 {
		return 0
	}

	var shape tokenShape
	if err := json.Unmarshal(body, &shape); err != nil {
		return 0
	}

	if shape.Usage != nil {
		if shape.Usage.TotalTokens != nil {
			return *shape.Usage.TotalTokens
		}
		if shape.Usage.PromptTokens != nil || shape.Usage.CompletionTokens != nil {
			sum := 0
			if shape.Usage.PromptTokens != nil {
				sum += *shape.Usage.PromptTokens
			}
			if shape.Usage.CompletionTokens != nil {
				sum += *shape.Usage.CompletionTokens
			}
			return sum
		}
	}
	if shape.Tokens != nil {
		return *shape.Tokens
	}
	return 0
}
