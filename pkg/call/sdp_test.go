package call

import (
	"strings"
	"testing"

	"github.com/pion/sdp/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sdpLines(lines ...string) []byte {
	return []byte(strings.Join(lines, "\r\n") + "\r\n")
}

var remoteOffer = sdpLines(
	"v=0",
	"o=- 1 1 IN IP4 192.0.2.20",
	"s=-",
	"c=IN IP4 192.0.2.20",
	"t=0 0",
	"m=audio 30000 RTP/AVP 8 0 101",
	"a=rtpmap:8 PCMA/8000",
	"a=rtpmap:0 PCMU/8000",
	"a=rtpmap:101 telephone-event/8000",
	"a=sendrecv",
)

var remoteAnswer = sdpLines(
	"v=0",
	"o=- 2 2 IN IP4 192.0.2.20",
	"s=-",
	"c=IN IP4 192.0.2.20",
	"t=0 0",
	"m=audio 30002 RTP/AVP 0",
	"a=rtpmap:0 PCMU/8000",
	"a=sendrecv",
)

func TestCreateOffer(t *testing.T) {
	body, err := createOffer("192.0.2.10", 4000)
	require.NoError(t, err)

	var sd sdp.SessionDescription
	require.NoError(t, sd.Unmarshal(body))
	require.Len(t, sd.MediaDescriptions, 1)

	md := sd.MediaDescriptions[0]
	assert.Equal(t, "audio", md.MediaName.Media)
	assert.Equal(t, 4000, md.MediaName.Port.Value)
	assert.Equal(t, []string{"0", "8", "101"}, md.MediaName.Formats)
	assert.Equal(t, "192.0.2.10", sd.ConnectionInformation.Address.Address)

	rtpmap, ok := md.Attribute("rtpmap")
	require.True(t, ok)
	assert.Equal(t, "0 PCMU/8000", rtpmap)
	_, ok = md.Attribute("sendrecv")
	assert.True(t, ok)
}

func TestCreateAnswer_PicksRemotePreference(t *testing.T) {
	body, media, err := createAnswer(remoteOffer, "192.0.2.10", 4000)
	require.NoError(t, err)

	assert.Equal(t, CodecPCMA, media.Codec)
	assert.Equal(t, "192.0.2.20:30000", media.RemoteAddr)
	assert.Equal(t, "192.0.2.10:4000", media.LocalAddr)
	assert.Equal(t, uint8(101), media.DTMF)
	assert.Equal(t, "sendrecv", media.Direction)

	var sd sdp.SessionDescription
	require.NoError(t, sd.Unmarshal(body))
	require.Len(t, sd.MediaDescriptions, 1)
	assert.Equal(t, []string{"8", "101"}, sd.MediaDescriptions[0].MediaName.Formats)
}

func TestNegotiate(t *testing.T) {
	tests := []struct {
		name      string
		body      []byte
		codec     Codec
		remote    string
		direction string
		wantErr   bool
	}{
		{
			name:      "answer",
			body:      remoteAnswer,
			codec:     CodecPCMU,
			remote:    "192.0.2.20:30002",
			direction: "sendrecv",
		},
		{
			name: "media level connection and sendonly",
			body: sdpLines(
				"v=0",
				"o=- 1 1 IN IP4 192.0.2.20",
				"s=-",
				"t=0 0",
				"m=audio 30004 RTP/AVP 0",
				"c=IN IP4 198.51.100.7",
				"a=sendonly",
			),
			codec:     CodecPCMU,
			remote:    "198.51.100.7:30004",
			direction: "recvonly",
		},
		{
			name: "dynamic payload only",
			body: sdpLines(
				"v=0",
				"o=- 1 1 IN IP4 192.0.2.20",
				"s=-",
				"c=IN IP4 192.0.2.20",
				"t=0 0",
				"m=audio 30000 RTP/AVP 111",
				"a=rtpmap:111 opus/48000/2",
			),
			wantErr: true,
		},
		{
			name: "video only",
			body: sdpLines(
				"v=0",
				"o=- 1 1 IN IP4 192.0.2.20",
				"s=-",
				"c=IN IP4 192.0.2.20",
				"t=0 0",
				"m=video 30000 RTP/AVP 96",
			),
			wantErr: true,
		},
		{
			name:    "garbage",
			body:    []byte("hello"),
			wantErr: true,
		},
		{
			name:    "empty",
			body:    nil,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			media, err := negotiate(tt.body)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrIncompatibleMedia)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.codec, media.Codec)
			assert.Equal(t, tt.remote, media.RemoteAddr)
			assert.Equal(t, tt.direction, media.Direction)
		})
	}
}
