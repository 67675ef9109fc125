package cmd

import (
	"time"

	"github.com/pion/sdp/v3"
	"github.com/pkg/errors"
)

// defaultSDPOffer собирает минимальный аудио оффер (PCMU/PCMA), когда
// приложение не передало собственный SDP через --sdp
func defaultSDPOffer(host string, port int) (string, error) {
	sessionID := uint64(time.Now().Unix())

	desc := sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      sessionID,
			SessionVersion: sessionID,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: host,
		},
		SessionName: "sipclient",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: host},
		},
		TimeDescriptions: []sdp.TimeDescription{{}},
		MediaDescriptions: []*sdp.MediaDescription{
			{
				MediaName: sdp.MediaName{
					Media:   "audio",
					Port:    sdp.RangedPort{Value: port},
					Protos:  []string{"RTP", "AVP"},
					Formats: []string{"0", "8"},
				},
				Attributes: []sdp.Attribute{
					sdp.NewAttribute("rtpmap", "0 PCMU/8000"),
					sdp.NewAttribute("rtpmap", "8 PCMA/8000"),
					sdp.NewAttribute("sendrecv", ""),
				},
			},
		},
	}

	raw, err := desc.Marshal()
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal SDP offer")
	}
	return string(raw), nil
}
