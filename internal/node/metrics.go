package node

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricTxTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "cipherledger",
		Subsystem: "node",
		Name:      "txs_total",
		Help:      "Accepted expense submissions.",
	})
	metricTxFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "cipherledger",
		Subsystem: "node",
		Name:      "tx_failures_total",
		Help:      "Rejected expense submissions.",
	})
	metricDecryptRequests = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "cipherledger",
		Subsystem: "node",
		Name:      "decrypt_requests_total",
		Help:      "Decryption requests received.",
	})
	metricDecryptDenied = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "cipherledger",
		Subsystem: "node",
		Name:      "decrypt_denied_total",
		Help:      "Decryption requests denied by authorization checks.",
	})
)
