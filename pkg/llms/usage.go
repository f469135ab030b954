package llms

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/maestro-run/maestro/pkg/protocol"
)

// Providers usually report exact usage; when one does not, the step loop
// falls back to a tiktoken estimate so run-end events always carry numbers.

var (
	encodingCache = make(map[string]*tiktoken.Tiktoken)
	cacheMu       sync.RWMutex
)

func encodingFor(model string) (*tiktoken.Tiktoken, error) {
	cacheMu.RLock()
	cached, ok := encodingCache[model]
	cacheMu.RUnlock()
	if ok {
		return cached, nil
	}

	encoding, err := tiktoken.EncodingForModel(model)
	if err != nil {
		// cl100k_base covers gpt-4 family and is a fair generic estimator.
		encoding, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("failed to get encoding: %w", err)
		}
	}

	cacheMu.Lock()
	encodingCache[model] = encoding
	cacheMu.Unlock()
	return encoding, nil
}

// EstimateUsage approximates token usage for a prompt and its response.
func EstimateUsage(model string, prompt []protocol.Message, responseText string) Usage {
	encoding, err := encodingFor(model)
	if err != nil {
		return Usage{}
	}

	input := 0
	for _, msg := range prompt {
		input += len(encoding.Encode(msg.Text(), nil, nil))
		// Small per-message overhead for role framing.
		input += 4
	}
	output := len(encoding.Encode(responseText, nil, nil))

	return Usage{InputTokens: input, OutputTokens: output, TotalTokens: input + output}
}
