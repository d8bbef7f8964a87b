package provider

import (
	"fmt"
	"strings"

	"github.com/softdial/softdial/internal/callflow"
)

// voicemailHintHeaders are the response headers inspected for voicemail
// indicators. Providers are inconsistent about which one they use.
var voicemailHintHeaders = []string{
	"Alert-Info",
	"Call-Info",
	"X-Voicemail",
	"X-Answer-Type",
}

// transportFor normalizes a configured transport for sipgo.
func transportFor(transport string) string {
	if transport == "" {
		return "UDP"
	}
	return strings.ToUpper(transport)
}

// rawForProvisional maps a 1xx status code onto a raw session state.
// Unknown provisionals return the empty state and are ignored.
func rawForProvisional(statusCode int) callflow.RawState {
	switch statusCode {
	case 100:
		return callflow.RawTrying
	case 183:
		// Early media: the remote side is producing audio before answer.
		return callflow.RawEarly
	case 180, 181, 182:
		return callflow.RawRinging
	default:
		return ""
	}
}

// applyVoicemailHint updates sig from one header value. Matching is
// substring-based because providers embed the markers in URIs and free text.
func applyVoicemailHint(sig *callflow.VoicemailSignals, header, value string) {
	v := strings.ToLower(value)
	switch header {
	case "Alert-Info":
		if strings.Contains(v, "voicemail") || strings.Contains(v, "auto-answer") {
			sig.ProviderIndicated = true
		}
	case "Call-Info":
		if strings.Contains(v, "answering-machine") || strings.Contains(v, "machine") {
			sig.MachineAnswer = true
		}
	case "X-Voicemail":
		sig.VoicemailHeader = true
	case "X-Answer-Type":
		if strings.Contains(v, "machine") {
			sig.MachineAnswer = true
		}
		if strings.Contains(v, "voicemail") {
			sig.ProviderIndicated = true
		}
	}
}

// buildSDPOffer produces a minimal G.711 audio offer for the INVITE.
func buildSDPOffer(sessionID, mediaIP string, mediaPort int) []byte {
	if mediaIP == "" {
		mediaIP = "0.0.0.0"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "v=0\r\n")
	fmt.Fprintf(&b, "o=softdial %s 1 IN IP4 %s\r\n", strings.ReplaceAll(sessionID, "-", ""), mediaIP)
	fmt.Fprintf(&b, "s=call\r\n")
	fmt.Fprintf(&b, "c=IN IP4 %s\r\n", mediaIP)
	fmt.Fprintf(&b, "t=0 0\r\n")
	fmt.Fprintf(&b, "m=audio %d RTP/AVP 0 8 101\r\n", mediaPort)
	fmt.Fprintf(&b, "a=rtpmap:0 PCMU/8000\r\n")
	fmt.Fprintf(&b, "a=rtpmap:8 PCMA/8000\r\n")
	fmt.Fprintf(&b, "a=rtpmap:101 telephone-event/8000\r\n")
	fmt.Fprintf(&b, "a=sendrecv\r\n")
	return []byte(b.String())
}
