// Command make_call places an outbound test call through the
// configured Twilio account. The answered call hits the voice webhook
// of a running agent, so this is the quickest way to exercise a full
// conversation end to end.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/PsiTechC/Convis-1-sub000/pkg/configutil"
	"github.com/PsiTechC/Convis-1-sub000/pkg/transports"
	twiliotransport "github.com/PsiTechC/Convis-1-sub000/pkg/transports/twilio"
	"github.com/spf13/viper"
)

type twilioConfig struct {
	Transports struct {
		Provider string         `mapstructure:"provider"`
		Settings map[string]any `mapstructure:"settings"`
	} `mapstructure:"transports"`
}

type twilioSettings struct {
	AccountSID string `mapstructure:"account_sid"`
	AuthToken  string `mapstructure:"auth_token"`
	PublicURL  string `mapstructure:"public_url"`
	VoicePath  string `mapstructure:"voice_path"`
}

func main() {
	configPath := flag.String("config", "config.yaml", "agent config file")
	from := flag.String("from", "", "caller number, E.164")
	to := flag.String("to", "", "callee number, E.164")
	voiceURL := flag.String("voice_url", "", "override the webhook URL derived from config")
	sendDigits := flag.String("send_digits", "", "DTMF digits to play once the call connects")
	flag.Parse()
	if *from == "" || *to == "" {
		fmt.Println("usage: make_call -from=+123 -to=+456 [-config=...]")
		os.Exit(1)
	}

	settings, err := loadSettings(*configPath)
	if err != nil {
		fail("config error:", err)
	}
	dialer := twiliotransport.NewDialer(twiliotransport.Config{
		AccountSID: settings.AccountSID,
		AuthToken:  settings.AuthToken,
		PublicURL:  settings.PublicURL,
		VoicePath:  settings.VoicePath,
	})

	// An empty URL makes the dialer derive the webhook from public_url.
	var callSID string
	if *sendDigits != "" {
		callSID, err = dialer.DialWithOptions(context.Background(), *to, *from, *voiceURL, transports.DialOptions{SendDigits: *sendDigits})
	} else {
		callSID, err = dialer.Dial(context.Background(), *to, *from, *voiceURL)
	}
	if err != nil {
		fail("call error:", err)
	}
	fmt.Println("call_sid:", callSID)
}

func loadSettings(path string) (twilioSettings, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return twilioSettings{}, err
	}
	var cfg twilioConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return twilioSettings{}, err
	}
	var settings twilioSettings
	if err := configutil.DecodeSettings(cfg.Transports.Settings, &settings); err != nil {
		return twilioSettings{}, err
	}
	return settings, nil
}

func fail(msg string, err error) {
	fmt.Println(msg, err)
	os.Exit(1)
}
