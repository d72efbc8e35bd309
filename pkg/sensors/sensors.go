// Copyright (c) 2024 Seagate Technology LLC and/or its Affiliates

// Package sensors exposes socket power telemetry as Prometheus metrics.
// It is a read-only consumer of the hsmp core: every scrape issues the
// power telemetry messages and converts the firmware's milliwatts to
// watts. Sockets whose firmware predates a message are skipped rather
// than reported as scrape failures.
package sensors

import (
	"errors"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"k8s.io/klog/v2"

	"hsmplib/pkg/hsmp"
)

// PowerReader is the slice of the hsmp registry the collector needs.
type PowerReader interface {
	NumSockets() uint16
	GetSocketPower(sock uint16) (uint32, error)
	GetSocketPowerLimit(sock uint16) (uint32, error)
	GetSocketPowerLimitMax(sock uint16) (uint32, error)
}

var (
	powerDesc = prometheus.NewDesc(
		"hsmp_socket_power_watts",
		"Current socket power draw in watts",
		[]string{"socket"}, nil,
	)
	powerCapDesc = prometheus.NewDesc(
		"hsmp_socket_power_cap_watts",
		"Active socket power limit in watts",
		[]string{"socket"}, nil,
	)
	powerCapMaxDesc = prometheus.NewDesc(
		"hsmp_socket_power_cap_max_watts",
		"Highest settable socket power limit in watts",
		[]string{"socket"}, nil,
	)
)

// Collector implements prometheus.Collector over a PowerReader.
type Collector struct {
	reader PowerReader
}

func NewCollector(reader PowerReader) *Collector {
	return &Collector{reader: reader}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- powerDesc
	ch <- powerCapDesc
	ch <- powerCapMaxDesc
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for sock := uint16(0); sock < c.reader.NumSockets(); sock++ {
		label := strconv.Itoa(int(sock))
		c.collectOne(ch, powerDesc, label, sock, c.reader.GetSocketPower)
		c.collectOne(ch, powerCapDesc, label, sock, c.reader.GetSocketPowerLimit)
		c.collectOne(ch, powerCapMaxDesc, label, sock, c.reader.GetSocketPowerLimitMax)
	}
}

func (c *Collector) collectOne(ch chan<- prometheus.Metric, desc *prometheus.Desc,
	label string, sock uint16, read func(uint16) (uint32, error)) {
	milliwatts, err := read(sock)
	if err != nil {
		// Older firmware simply lacks some telemetry; not a scrape error.
		if errors.Is(err, hsmp.ErrUnsupportedMsg) {
			return
		}
		klog.V(hsmp.DBG_LVL_BASIC).Infof("sensors: socket %s: %v", label, err)
		ch <- prometheus.NewInvalidMetric(desc, err)
		return
	}
	ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, float64(milliwatts)/1000.0, label)
}
