// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"io"
	"log"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"

	"github.com/scsi2pi-go/s2p/pkg/management"
)

// metricCollector is a fixed snapshot of prometheus.Metric values gathered
// once per invocation; Describe is intentionally empty since the set of
// devices (and therefore the set of label combinations) changes between
// runs.
type metricCollector struct {
	m []prometheus.Metric
}

func (mc *metricCollector) Collect(c chan<- prometheus.Metric) {
	for _, m := range mc.m {
		c <- m
	}
}

func (mc *metricCollector) Describe(c chan<- *prometheus.Desc) {}

// outputMetrics renders devices and reservedIDs to w in the Prometheus text
// exposition format.
func outputMetrics(w io.Writer, devices []management.PbDeviceDefinition, reservedIDs map[int]bool) {
	var (
		mDeviceInfo = prometheus.NewDesc(
			"s2p_device_info",
			"Info metric for one attached device",
			[]string{"id", "lun", "type", "file"}, nil,
		)
		mDevicesTotal = prometheus.NewDesc(
			"s2p_devices_attached",
			"Number of devices currently attached",
			nil, nil,
		)
		mTargetReserved = prometheus.NewDesc(
			"s2p_target_reserved",
			"Boolean describing whether a target ID is reserved against ATTACH",
			[]string{"id"}, nil,
		)
	)

	mc := &metricCollector{}
	for _, d := range devices {
		mc.m = append(mc.m, prometheus.MustNewConstMetric(mDeviceInfo, prometheus.GaugeValue, 1,
			strconv.Itoa(int(d.ID)), strconv.Itoa(int(d.Unit)), d.Type, d.Params["file"]))
	}
	mc.m = append(mc.m, prometheus.MustNewConstMetric(mDevicesTotal, prometheus.GaugeValue, float64(len(devices))))

	for id, reserved := range reservedIDs {
		v := float64(0)
		if reserved {
			v = 1
		}
		mc.m = append(mc.m, prometheus.MustNewConstMetric(mTargetReserved, prometheus.GaugeValue, v, strconv.Itoa(id)))
	}

	reg := prometheus.NewPedanticRegistry()
	reg.MustRegister(mc)

	mfs, err := reg.Gather()
	if err != nil {
		log.Fatalf("s2pstat: gather metrics: %v", err)
	}
	for _, mf := range mfs {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			log.Fatalf("s2pstat: serialize metrics: %v", err)
		}
	}
}
