package paynet

import (
	"github.com/agentmarket/paynet/paynet/metrics"
	"github.com/agentmarket/paynet/pkg/payments"
)

type networkState struct {
	network string
	state   payments.ChannelState
}

func (m *Manager) updateMetrics() {
	counts := map[networkState]float64{}
	deposit := map[string]float64{}
	spent := map[string]float64{}

	for _, ch := range m.sortedChannels() {
		info := ch.Info()
		counts[networkState{info.Network, info.State}]++

		if info.State.Terminal() {
			continue
		}
		deposit[info.Network] += float64(info.Deposit)
		spent[info.Network] += float64(info.Spent)
	}

	metrics.Channels.Reset()
	for k, num := range counts {
		metrics.Channels.WithLabelValues(k.network, string(k.state)).Set(num)
	}

	metrics.ChannelsDeposit.Reset()
	metrics.ChannelsSpent.Reset()
	for network, v := range deposit {
		metrics.ChannelsDeposit.WithLabelValues(network).Set(v)
		metrics.ChannelsSpent.WithLabelValues(network).Set(spent[network])
	}
}
