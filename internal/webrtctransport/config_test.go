package webrtctransport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannelProfile_ChannelInit(t *testing.T) {
	tests := []struct {
		name           string
		profile        ChannelProfile
		wantOrdered    bool
		wantRetransmit *uint16
		wantLifetime   *uint16
	}{
		{
			name:        "reliable sets neither bound and keeps ordering",
			profile:     ChannelProfile{Mode: ModeReliable},
			wantOrdered: true,
		},
		{
			name:         "unreliable is unordered with the fixed lifetime",
			profile:      ChannelProfile{Mode: ModeUnreliable},
			wantOrdered:  false,
			wantLifetime: u16(100),
		},
		{
			name:           "semi-reliable carries the retransmit budget",
			profile:        ChannelProfile{Mode: ModeSemiReliable, MaxRetransmits: 5},
			wantOrdered:    true,
			wantRetransmit: u16(5),
		},
		{
			name:         "time-limited is unordered and converts lifetime to milliseconds",
			profile:      ChannelProfile{Mode: ModeTimeLimited, MaxLifetime: 250 * time.Millisecond},
			wantOrdered:  false,
			wantLifetime: u16(250),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Callers ask for ordered delivery; only the reliable modes may
			// honor it.
			init := tt.profile.channelInit(true)
			require.NotNil(t, init.Ordered)
			assert.Equal(t, tt.wantOrdered, *init.Ordered)
			assert.Equal(t, tt.wantRetransmit, init.MaxRetransmits)
			assert.Equal(t, tt.wantLifetime, init.MaxPacketLifeTime)
			// A lifetime bound and a retransmit bound never coexist.
			assert.False(t, init.MaxRetransmits != nil && init.MaxPacketLifeTime != nil)
		})
	}
}

func u16(v uint16) *uint16 { return &v }

func TestTransport_Capabilities(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxMessageSize = 16 * 1024
	tr := New("peer-a", cfg, nil)

	caps := tr.Capabilities()
	assert.True(t, caps.Reliable)
	assert.True(t, caps.NATTraversal)
	assert.Equal(t, 16*1024, caps.MaxMessageSize)
	assert.Equal(t, uint8(90), tr.Priority())
	assert.Equal(t, "webrtc", tr.Protocol())
	assert.False(t, tr.Available(), "no signaling handler means no dialing")
}

func TestExtractICECredentials(t *testing.T) {
	sdp := "v=0\r\n" +
		"o=- 123 2 IN IP4 127.0.0.1\r\n" +
		"a=ice-ufrag:abcd\r\n" +
		"a=ice-pwd:secretpassword\r\n" +
		"m=application 9 UDP/DTLS/SCTP webrtc-datachannel\r\n"

	ufrag, pwd := extractICECredentials(sdp)
	assert.Equal(t, "abcd", ufrag)
	assert.Equal(t, "secretpassword", pwd)

	ufrag, pwd = extractICECredentials("v=0\r\n")
	assert.Empty(t, ufrag)
	assert.Empty(t, pwd)
}
