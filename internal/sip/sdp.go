package sip

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// ErrNoCommonCodec is returned when an offer carries no G.711 audio.
var ErrNoCommonCodec = errors.New("no common audio codec")

// Static G.711 payload types and the names the kiosk answers with, in
// preference order.
var supportedCodecs = []codec{
	{PayloadType: 0, Name: "PCMU", ClockRate: 8000},
	{PayloadType: 8, Name: "PCMA", ClockRate: 8000},
}

const telephoneEvent = "telephone-event"

// codec is one a=rtpmap entry.
type codec struct {
	PayloadType int
	Name        string
	ClockRate   int
}

func (c codec) rtpmap() string {
	return strconv.Itoa(c.PayloadType) + " " + c.Name + "/" + strconv.Itoa(c.ClockRate)
}

// audioOffer is the part of a remote SDP offer the kiosk cares about.
type audioOffer struct {
	Address   string
	Port      int
	Formats   []int
	Codecs    map[int]codec
	Direction string
}

// parseAudioOffer extracts the first audio stream from an SDP body. A
// media-level c= line overrides the session-level one.
func parseAudioOffer(body []byte) (*audioOffer, error) {
	text := strings.ReplaceAll(string(body), "\r\n", "\n")
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, errors.New("empty sdp body")
	}

	var (
		sessionAddr string
		offer       *audioOffer
		inAudio     bool
	)

	for _, line := range strings.Split(text, "\n") {
		if len(line) < 2 || line[1] != '=' {
			continue
		}
		value := line[2:]

		switch line[0] {
		case 'c':
			addr, err := parseConnectionAddress(value)
			if err != nil {
				return nil, fmt.Errorf("invalid sdp connection: %w", err)
			}
			if inAudio {
				offer.Address = addr
			} else if offer == nil {
				sessionAddr = addr
			}

		case 'm':
			if offer != nil {
				// Only the first audio stream is answered.
				inAudio = false
				continue
			}
			fields := strings.Fields(value)
			if len(fields) < 4 || fields[0] != "audio" {
				inAudio = false
				continue
			}
			port, err := strconv.Atoi(strings.SplitN(fields[1], "/", 2)[0])
			if err != nil {
				return nil, fmt.Errorf("invalid media port %q: %w", fields[1], err)
			}
			offer = &audioOffer{
				Address:   sessionAddr,
				Port:      port,
				Codecs:    make(map[int]codec),
				Direction: "sendrecv",
			}
			for _, f := range fields[3:] {
				pt, err := strconv.Atoi(f)
				if err != nil {
					return nil, fmt.Errorf("invalid payload type %q: %w", f, err)
				}
				offer.Formats = append(offer.Formats, pt)
			}
			inAudio = true

		case 'a':
			if !inAudio {
				continue
			}
			switch {
			case strings.HasPrefix(value, "rtpmap:"):
				if c, err := parseRtpmap(value[len("rtpmap:"):]); err == nil {
					offer.Codecs[c.PayloadType] = c
				}
			case value == "sendrecv" || value == "sendonly" || value == "recvonly" || value == "inactive":
				offer.Direction = value
			}
		}
	}

	if offer == nil {
		return nil, errors.New("sdp has no audio stream")
	}
	return offer, nil
}

// negotiate picks the answer codec and the offered telephone-event payload
// type (-1 when absent).
func (o *audioOffer) negotiate() (codec, int, error) {
	var chosen *codec
	te := -1

	for _, pt := range o.Formats {
		c, mapped := o.Codecs[pt]
		if mapped && strings.EqualFold(c.Name, telephoneEvent) {
			te = pt
			continue
		}
		if chosen != nil {
			continue
		}
		for _, sc := range supportedCodecs {
			// Static payload types may be offered without an rtpmap line.
			if (mapped && strings.EqualFold(c.Name, sc.Name) && c.ClockRate == sc.ClockRate) ||
				(!mapped && pt == sc.PayloadType) {
				pick := sc
				pick.PayloadType = pt
				chosen = &pick
				break
			}
		}
	}

	if chosen == nil {
		return codec{}, -1, ErrNoCommonCodec
	}
	return *chosen, te, nil
}

// answerDirection mirrors the offered direction.
func answerDirection(offered string) string {
	switch offered {
	case "sendonly":
		return "recvonly"
	case "recvonly":
		return "sendonly"
	case "inactive":
		return "inactive"
	default:
		return "sendrecv"
	}
}

// MediaEndpoint is where the kiosk's audio stack receives RTP.
type MediaEndpoint struct {
	IP   string
	Port int
}

// buildAnswer returns the SDP for a 200 OK. An empty offer gets an offer
// listing every supported codec, as a late-offer INVITE expects.
func buildAnswer(offer []byte, local MediaEndpoint, sessionID int64) ([]byte, error) {
	codecs := supportedCodecs
	te := 101
	direction := "sendrecv"

	if len(strings.TrimSpace(string(offer))) > 0 {
		parsed, err := parseAudioOffer(offer)
		if err != nil {
			return nil, err
		}
		c, offeredTE, err := parsed.negotiate()
		if err != nil {
			return nil, err
		}
		codecs = []codec{c}
		te = offeredTE
		direction = answerDirection(parsed.Direction)
	}

	addrType := "IP4"
	if ip := net.ParseIP(local.IP); ip != nil && ip.To4() == nil {
		addrType = "IP6"
	}
	id := strconv.FormatInt(sessionID, 10)

	var b strings.Builder
	b.WriteString("v=0\r\n")
	b.WriteString("o=callkiosk " + id + " " + id + " IN " + addrType + " " + local.IP + "\r\n")
	b.WriteString("s=callkiosk\r\n")
	b.WriteString("c=IN " + addrType + " " + local.IP + "\r\n")
	b.WriteString("t=0 0\r\n")

	formats := make([]string, 0, len(codecs)+1)
	for _, c := range codecs {
		formats = append(formats, strconv.Itoa(c.PayloadType))
	}
	if te >= 0 {
		formats = append(formats, strconv.Itoa(te))
	}
	b.WriteString("m=audio " + strconv.Itoa(local.Port) + " RTP/AVP " + strings.Join(formats, " ") + "\r\n")
	for _, c := range codecs {
		b.WriteString("a=rtpmap:" + c.rtpmap() + "\r\n")
	}
	if te >= 0 {
		b.WriteString("a=rtpmap:" + strconv.Itoa(te) + " " + telephoneEvent + "/8000\r\n")
		b.WriteString("a=fmtp:" + strconv.Itoa(te) + " 0-16\r\n")
	}
	b.WriteString("a=ptime:20\r\n")
	b.WriteString("a=" + direction + "\r\n")

	return []byte(b.String()), nil
}

// parseConnectionAddress parses "<nettype> <addrtype> <address>".
func parseConnectionAddress(value string) (string, error) {
	parts := strings.Fields(value)
	if len(parts) < 3 {
		return "", fmt.Errorf("expected 3 fields, got %d", len(parts))
	}
	addr := parts[2]
	// Strip TTL/multicast suffix, e.g. "224.2.1.1/127".
	if idx := strings.Index(addr, "/"); idx >= 0 {
		addr = addr[:idx]
	}
	if net.ParseIP(addr) == nil {
		return "", fmt.Errorf("invalid ip address %q", addr)
	}
	return addr, nil
}

// parseRtpmap parses "<pt> <encoding>/<clock rate>[/<channels>]".
func parseRtpmap(value string) (codec, error) {
	pt, enc, ok := strings.Cut(value, " ")
	if !ok {
		return codec{}, fmt.Errorf("expected '<pt> <encoding>', got %q", value)
	}
	n, err := strconv.Atoi(pt)
	if err != nil {
		return codec{}, fmt.Errorf("invalid payload type: %w", err)
	}
	encParts := strings.Split(enc, "/")
	if len(encParts) < 2 {
		return codec{}, fmt.Errorf("expected '<name>/<rate>', got %q", enc)
	}
	rate, err := strconv.Atoi(encParts[1])
	if err != nil {
		return codec{}, fmt.Errorf("invalid clock rate: %w", err)
	}
	return codec{PayloadType: n, Name: encParts[0], ClockRate: rate}, nil
}
