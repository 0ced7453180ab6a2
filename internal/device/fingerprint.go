package device

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/mileusna/useragent"
	"github.com/summitlabs/bastion/internal/models"
)

// Signals are the client-presented request attributes the engine observes.
type Signals struct {
	UserAgent      string
	ClientAddress  string
	Accept         string
	AcceptLanguage string
	AcceptEncoding string
	Location       *models.Location
}

// Fingerprint derives the stable device hash from the signals. The same
// browser on the same network address always maps to the same fingerprint.
func (s Signals) Fingerprint() string {
	data := fmt.Sprintf("%s|%s|%s|%s|%s",
		s.UserAgent, s.ClientAddress, s.Accept, s.AcceptLanguage, s.AcceptEncoding)
	sum := sha256.Sum256([]byte(data))
	return hex.EncodeToString(sum[:])
}

// AgentFamilies are the coarse user-agent attributes used for pattern scoring
// and analytics histograms.
type AgentFamilies struct {
	Browser string
	OS      string
	Device  string
}

// ParseAgent extracts browser, OS, and device families from a user agent
// string. Unrecognized agents come back as "Other".
func ParseAgent(userAgent string) AgentFamilies {
	ua := useragent.Parse(userAgent)

	families := AgentFamilies{
		Browser: ua.Name,
		OS:      ua.OS,
	}
	if families.Browser == "" {
		families.Browser = "Other"
	}
	if families.OS == "" {
		families.OS = "Other"
	}

	switch {
	case ua.Bot:
		families.Device = "Bot"
	case ua.Tablet:
		families.Device = "Tablet"
	case ua.Mobile:
		families.Device = "Mobile"
	case ua.Desktop:
		families.Device = "Desktop"
	default:
		families.Device = "Other"
	}

	return families
}
