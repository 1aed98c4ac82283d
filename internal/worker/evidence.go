package worker

import "github.com/fraudtriage/engine/internal/domain"

// The following builders convert each transaction profile into the
// Case record's free-form evidence maps explicitly, field by field,
// rather than through a reflection-driven generic converter.

func transactionSummary(event *domain.TransactionEvent) map[string]any {
	return map[string]any{
		"transaction_id":   event.TransactionID,
		"amount":            event.Amount,
		"currency":          event.Currency,
		"type":              event.Type,
		"payment_method":    event.PaymentMethod,
		"payment_provider":  event.PaymentProvider,
	}
}

func identityFlags(event *domain.TransactionEvent) map[string]any {
	flags := map[string]any{}
	if event.UserProfile != nil {
		flags["kyc_level"] = event.UserProfile.KYCLevel
		flags["declared_monthly_income"] = event.UserProfile.DeclaredMonthlyIncome
		flags["account_age_days"] = event.UserProfile.AccountAgeDays
	}
	if event.DocumentProfile != nil {
		flags["document_confidence"] = event.DocumentProfile.ConfidenceScore
		flags["document_forged"] = event.DocumentProfile.Forged
		flags["document_ai_generated"] = event.DocumentProfile.AIGenerated
	}
	return flags
}

func behavioralFlags(event *domain.TransactionEvent) map[string]any {
	flags := map[string]any{
		"velocity_flag":  event.Flags.VelocityFlag,
		"amount_anomaly": event.Flags.AmountAnomaly,
		"geo_anomaly":    event.Flags.GeoAnomaly,
	}
	if event.DeviceProfile != nil {
		flags["device_id"] = event.DeviceProfile.DeviceID
		flags["total_users_count"] = event.DeviceProfile.TotalUsersCount
		flags["is_emulator"] = event.DeviceProfile.IsEmulator
	}
	return flags
}

func networkFlags(event *domain.TransactionEvent) map[string]any {
	flags := map[string]any{
		"ip_address":   event.IPAddress,
		"country_code": event.CountryCode,
	}
	if event.IPProfile != nil {
		flags["sanctioned_country"] = event.IPProfile.SanctionedCountry
		flags["high_risk_country"] = event.IPProfile.HighRiskCountry
		flags["vpn"] = event.IPProfile.VPN
		flags["datacenter"] = event.IPProfile.Datacenter
		flags["tor"] = event.IPProfile.Tor
	}
	return flags
}
