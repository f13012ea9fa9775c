package convis

import (
	"fmt"
	"strings"

	"github.com/PsiTechC/Convis-1-sub000/pkg/configutil"
	"github.com/PsiTechC/Convis-1-sub000/pkg/transports"
	mocktransport "github.com/PsiTechC/Convis-1-sub000/pkg/transports/mock"
	twiliotransport "github.com/PsiTechC/Convis-1-sub000/pkg/transports/twilio"
	wsjsontransport "github.com/PsiTechC/Convis-1-sub000/pkg/transports/wsjson"
)

// BuildTransport constructs the transport named in the config.
func BuildTransport(cfg Config) (transports.Transport, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Transports.Provider)) {
	case "twilio":
		if err := validateSettings("transports.settings", cfg.Transports.Settings, configutil.Schema{
			Required: []string{"account_sid", "auth_token"},
			Optional: []string{"public_url", "server_addr", "voice_path", "ws_path", "tts_webhook_path", "status_callback_path", "voice_greeting", "allow_any_origin", "allowed_origins"},
		}); err != nil {
			return nil, err
		}
		var settings twiliotransport.Config
		if err := configutil.DecodeSettings(cfg.Transports.Settings, &settings); err != nil {
			return nil, err
		}
		if err := configutil.RequireString(settings.AccountSID, "transports.settings.account_sid"); err != nil {
			return nil, err
		}
		if err := configutil.RequireString(settings.AuthToken, "transports.settings.auth_token"); err != nil {
			return nil, err
		}
		return twiliotransport.New(settings), nil
	case "wsjson":
		if err := validateSettings("transports.settings", cfg.Transports.Settings, configutil.Schema{
			Optional: []string{"server_addr", "ws_path", "sample_rate"},
		}); err != nil {
			return nil, err
		}
		var settings wsjsontransport.Config
		if err := configutil.DecodeSettings(cfg.Transports.Settings, &settings); err != nil {
			return nil, err
		}
		return wsjsontransport.New(settings), nil
	case "mock":
		return mocktransport.New(), nil
	default:
		return nil, fmt.Errorf("unknown transport provider: %s", cfg.Transports.Provider)
	}
}
