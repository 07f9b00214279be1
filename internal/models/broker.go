package models

type Broker string

const (
	BrokerDeribit Broker = "deribit"
)

type Env string

const (
	EnvLive    Env = "live"
	EnvTestnet Env = "testnet"
)

// Credentials — ключи API, которые ядро получает из CredentialsStore.
// Само шифрование/хранение — забота внешнего сервиса.
type Credentials struct {
	APIKey    string `json:"api_key"`
	APISecret string `json:"api_secret"`
}

func (c *Credentials) Empty() bool {
	return c == nil || c.APIKey == "" || c.APISecret == ""
}
