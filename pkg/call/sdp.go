package call

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/pion/sdp/v3"
)

// ErrIncompatibleMedia в SDP нет аудио с поддерживаемым кодеком
var ErrIncompatibleMedia = errors.New("incompatible media")

// Codec аудио кодек RTP
type Codec struct {
	PayloadType uint8
	Name        string
	ClockRate   uint32
}

func (c Codec) rtpmap() string {
	return fmt.Sprintf("%d %s/%d", c.PayloadType, c.Name, c.ClockRate)
}

// Поддерживаемые кодеки в порядке предпочтения
var (
	CodecPCMU = Codec{PayloadType: 0, Name: "PCMU", ClockRate: 8000}
	CodecPCMA = Codec{PayloadType: 8, Name: "PCMA", ClockRate: 8000}

	supportedCodecs = []Codec{CodecPCMU, CodecPCMA}
)

const dtmfPayloadType = 101

// Media согласованные параметры аудио потока. Передается AudioDevice.StartAudio.
type Media struct {
	LocalAddr  string
	RemoteAddr string
	Codec      Codec
	// Direction направление с нашей стороны: sendrecv, sendonly, recvonly, inactive
	Direction string
	// DTMF payload type telephone-event, 0 если не согласован
	DTMF uint8
}

// newSession создает каркас SDP с адресом host
func newSession(host string, version uint64) *sdp.SessionDescription {
	now := uint64(time.Now().Unix())
	return &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      now,
			SessionVersion: now + version,
			NetworkType:    "IN",
			AddressType:    addressType(host),
			UnicastAddress: host,
		},
		SessionName: "walkie-talkie",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: addressType(host),
			Address:     &sdp.Address{Address: host},
		},
		TimeDescriptions: []sdp.TimeDescription{
			{Timing: sdp.Timing{StartTime: 0, StopTime: 0}},
		},
	}
}

func addressType(host string) string {
	if ip := net.ParseIP(host); ip != nil && ip.To4() == nil {
		return "IP6"
	}
	return "IP4"
}

func audioDescription(port int, codecs []Codec, dtmf uint8, direction string) *sdp.MediaDescription {
	md := &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:  "audio",
			Port:   sdp.RangedPort{Value: port},
			Protos: []string{"RTP", "AVP"},
		},
	}
	for _, c := range codecs {
		md.MediaName.Formats = append(md.MediaName.Formats, strconv.Itoa(int(c.PayloadType)))
		md.Attributes = append(md.Attributes, sdp.NewAttribute("rtpmap", c.rtpmap()))
	}
	if dtmf != 0 {
		md.MediaName.Formats = append(md.MediaName.Formats, strconv.Itoa(int(dtmf)))
		md.Attributes = append(md.Attributes,
			sdp.NewAttribute("rtpmap", fmt.Sprintf("%d telephone-event/8000", dtmf)),
			sdp.NewAttribute("fmtp", fmt.Sprintf("%d 0-15", dtmf)))
	}
	md.Attributes = append(md.Attributes,
		sdp.NewAttribute("ptime", "20"),
		sdp.NewPropertyAttribute(direction))
	return md
}

// createOffer создает SDP offer со всеми поддерживаемыми кодеками
func createOffer(host string, port int) ([]byte, error) {
	offer := newSession(host, 0)
	offer.MediaDescriptions = []*sdp.MediaDescription{
		audioDescription(port, supportedCodecs, dtmfPayloadType, "sendrecv"),
	}
	return offer.Marshal()
}

// createAnswer выбирает кодек из offer и строит answer
func createAnswer(offer []byte, host string, port int) ([]byte, Media, error) {
	remote, err := negotiate(offer)
	if err != nil {
		return nil, Media{}, err
	}
	remote.LocalAddr = net.JoinHostPort(host, strconv.Itoa(port))

	answer := newSession(host, 1)
	answer.MediaDescriptions = []*sdp.MediaDescription{
		audioDescription(port, []Codec{remote.Codec}, remote.DTMF, remote.Direction),
	}
	body, err := answer.Marshal()
	if err != nil {
		return nil, Media{}, err
	}
	return body, remote, nil
}

// negotiate разбирает удаленное SDP: адрес, первый поддерживаемый кодек,
// DTMF и направление с нашей стороны.
func negotiate(body []byte) (Media, error) {
	var sd sdp.SessionDescription
	if err := sd.Unmarshal(body); err != nil {
		return Media{}, fmt.Errorf("%w: %w", ErrIncompatibleMedia, err)
	}

	for _, md := range sd.MediaDescriptions {
		if md.MediaName.Media != "audio" || md.MediaName.Port.Value == 0 {
			continue
		}
		codec, ok := selectCodec(md)
		if !ok {
			continue
		}

		conn := md.ConnectionInformation
		if conn == nil {
			conn = sd.ConnectionInformation
		}
		if conn == nil || conn.Address == nil {
			return Media{}, fmt.Errorf("%w: no connection address", ErrIncompatibleMedia)
		}

		return Media{
			RemoteAddr: net.JoinHostPort(conn.Address.Address, strconv.Itoa(md.MediaName.Port.Value)),
			Codec:      codec,
			Direction:  localDirection(md),
			DTMF:       findDTMF(md),
		}, nil
	}
	return Media{}, fmt.Errorf("%w: no supported audio codec", ErrIncompatibleMedia)
}

func selectCodec(md *sdp.MediaDescription) (Codec, bool) {
	rtpmaps := make(map[string]string)
	for _, attr := range md.Attributes {
		if attr.Key == "rtpmap" {
			if pt, value, ok := strings.Cut(attr.Value, " "); ok {
				rtpmaps[pt] = value
			}
		}
	}

	for _, format := range md.MediaName.Formats {
		pt, err := strconv.Atoi(format)
		if err != nil || pt >= 96 {
			continue
		}
		for _, c := range supportedCodecs {
			if int(c.PayloadType) != pt {
				continue
			}
			// статические payload type могут идти без rtpmap
			if rtpmap, ok := rtpmaps[format]; ok && !strings.EqualFold(rtpmap, fmt.Sprintf("%s/%d", c.Name, c.ClockRate)) {
				continue
			}
			return c, true
		}
	}
	return Codec{}, false
}

func findDTMF(md *sdp.MediaDescription) uint8 {
	for _, attr := range md.Attributes {
		if attr.Key != "rtpmap" {
			continue
		}
		pt, value, ok := strings.Cut(attr.Value, " ")
		if !ok || !strings.HasPrefix(strings.ToLower(value), "telephone-event/") {
			continue
		}
		if n, err := strconv.Atoi(pt); err == nil && n > 0 && n < 128 {
			return uint8(n)
		}
	}
	return 0
}

// localDirection зеркалит направление удаленной стороны
func localDirection(md *sdp.MediaDescription) string {
	for _, attr := range md.Attributes {
		switch attr.Key {
		case "sendonly":
			return "recvonly"
		case "recvonly":
			return "sendonly"
		case "inactive":
			return "inactive"
		case "sendrecv":
			return "sendrecv"
		}
	}
	return "sendrecv"
}
