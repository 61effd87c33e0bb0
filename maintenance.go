package main

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/ericogr/sensorlink/pkg/acquisition"
	"github.com/ericogr/sensorlink/pkg/config"
	"github.com/ericogr/sensorlink/pkg/sensor"
)

// runMaintenance applies the requested SCD41 operations to every SCD41 and
// returns without starting acquisition.
func runMaintenance(ctx context.Context, m config.Maintenance, sources []acquisition.Source, log *zap.SugaredLogger) error {
	found := false
	for _, s := range sources {
		d, ok := s.Driver.(*sensor.CO2)
		if !ok {
			continue
		}
		found = true
		if err := maintainCO2(ctx, m, d, log.With("sensor", d.ID())); err != nil {
			return errors.Wrap(err, d.ID())
		}
	}
	if !found {
		return errors.New("no hardware scd41 configured")
	}
	return nil
}

func maintainCO2(ctx context.Context, m config.Maintenance, d *sensor.CO2, log *zap.SugaredLogger) error {
	if err := d.Identify(ctx); err != nil {
		return err
	}
	if m.FactoryReset {
		log.Infow("factory reset, this takes about 40 seconds")
		if err := d.FactoryReset(ctx); err != nil {
			return errors.Wrap(err, "factory reset")
		}
	}
	if m.ASC != "" {
		if err := d.SetAutomaticSelfCalibration(ctx, m.ASC == "on"); err != nil {
			return errors.Wrap(err, "set asc")
		}
		log.Infow("automatic self-calibration set", "enabled", m.ASC)
	}
	if m.AltitudeM >= 0 {
		if err := d.SetAltitude(ctx, uint16(m.AltitudeM)); err != nil {
			return errors.Wrap(err, "set altitude")
		}
		log.Infow("altitude set", "meters", m.AltitudeM)
	}
	if m.ForceCalibrationPPM > 0 {
		corr, err := d.ForceCalibration(ctx, uint16(m.ForceCalibrationPPM))
		if err != nil {
			return errors.Wrap(err, "forced recalibration")
		}
		log.Infow("forced recalibration done", "reference_ppm", m.ForceCalibrationPPM, "correction_ppm", corr)
	}
	return d.Close()
}
