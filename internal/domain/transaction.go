// Package domain defines the core types shared across the triage pipeline.
package domain

import "time"

// TransactionType enumerates the kinds of events the pipeline triages.
type TransactionType string

const (
	TxDeposit    TransactionType = "DEPOSIT"
	TxWithdrawal TransactionType = "WITHDRAWAL"
	TxTrade      TransactionType = "TRADE"
)

// TransactionEvent is the immutable input to the Rule Engine, decoded
// from the `event_data` field of an inbound stream record.
type TransactionEvent struct {
	TransactionID string          `json:"transactionId"`
	UserID        string          `json:"userId"`
	Timestamp     time.Time       `json:"timestamp"`
	Amount        float64         `json:"amount"`
	Currency      string          `json:"currency"`
	Type          TransactionType `json:"transactionType"`

	PaymentMethod   string `json:"paymentMethod"`
	PaymentProvider string `json:"paymentProvider"`

	IPAddress   string `json:"ipAddress"`
	CountryCode string `json:"countryCode"`
	DeviceID    string `json:"deviceId"`

	UserProfile     *UserProfile     `json:"userProfile,omitempty"`
	DeviceProfile   *DeviceProfile   `json:"deviceProfile,omitempty"`
	IPProfile       *IPProfile       `json:"ipProfile,omitempty"`
	DocumentProfile *DocumentProfile `json:"documentProfile,omitempty"`

	Flags TransactionFlags `json:"flags"`
}

// UserProfile carries KYC fields relevant to risk evaluation.
type UserProfile struct {
	UserID                string  `json:"userId"`
	KYCLevel              string  `json:"kycLevel"`
	DeclaredMonthlyIncome float64 `json:"declaredMonthlyIncome"`
	AccountAgeDays        int     `json:"accountAgeDays"`
	Country               string  `json:"country"`
}

// DeviceProfile carries device-fingerprint risk fields.
type DeviceProfile struct {
	DeviceID        string `json:"deviceId"`
	TotalUsersCount int    `json:"totalUsersCount"`
	IsEmulator      bool   `json:"isEmulator"`
	IsVPN           bool   `json:"isVpn"`
	IsProxy         bool   `json:"isProxy"`
	IsTor           bool   `json:"isTor"`
}

// IPProfile carries network-fingerprint risk fields.
type IPProfile struct {
	IPAddress         string `json:"ipAddress"`
	CountryCode       string `json:"countryCode"`
	SanctionedCountry bool   `json:"sanctionedCountry"`
	HighRiskCountry   bool   `json:"highRiskCountry"`
	VPN               bool   `json:"vpn"`
	Datacenter        bool   `json:"datacenter"`
	Tor               bool   `json:"tor"`
}

// DocumentProfile carries identity-document verification fields.
type DocumentProfile struct {
	DocumentID      string  `json:"documentId"`
	ConfidenceScore float64 `json:"confidenceScore"`
	Forged          bool    `json:"forged"`
	AIGenerated     bool    `json:"aiGenerated"`
}

// TransactionFlags are preset boolean signals computed upstream of the
// pipeline (e.g. by a separate velocity/anomaly job) and carried on the
// event for the Rule Engine to consume alongside its own checks.
type TransactionFlags struct {
	VelocityFlag  bool `json:"velocityFlag"`
	AmountAnomaly bool `json:"amountAnomaly"`
	GeoAnomaly    bool `json:"geoAnomaly"`
}

// StoredTransaction is the lightweight record of an inbound
// transaction persisted before rule evaluation. It backs transaction
// introspection; the velocity check reads the Cache, not these records.
type StoredTransaction struct {
	TransactionID string
	UserID        string
	Type          TransactionType
	Amount        float64
	Currency      string
	Timestamp     time.Time
}
