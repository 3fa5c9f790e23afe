package rate

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
)

// 未显式配置 api_key/api_key_env 时各客户端回退读取的环境变量（与其 SDK 默认一致）。
var defaultKeyEnv = map[string][]string{
	"openai": {"OPENAI_API_KEY"},
	"gemini": {"GEMINI_API_KEY", "GOOGLE_API_KEY"},
}

// DeriveKeyFromProviderOptions 从客户端名与其原样 Options JSON 中取出 API Key，
// 返回 client+sha256(key) 形式的限流分组键：同一把 key 的调用共享额度，而日志/配置中不出现明文。
// mock/flaky 没有 key 时使用固定的调试 key。
func DeriveKeyFromProviderOptions(client string, raw json.RawMessage) (LimitKey, error) {
	var opts struct {
		APIKey    string `json:"api_key"`
		APIKeyEnv string `json:"api_key_env"`
	}
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &opts)
	}
	key := opts.APIKey
	if key == "" && opts.APIKeyEnv != "" {
		key = os.Getenv(opts.APIKeyEnv)
	}
	for _, env := range defaultKeyEnv[client] {
		if key != "" {
			break
		}
		key = os.Getenv(env)
	}
	if key == "" && (client == "mock" || client == "flaky") {
		key = "MOCK_DEBUG_KEY"
	}
	if key == "" {
		return "", fmt.Errorf("rate: missing api key for client %s", client)
	}
	sum := sha256.Sum256([]byte(key))
	return LimitKey(fmt.Sprintf("%s:%x", client, sum[:8])), nil
}
