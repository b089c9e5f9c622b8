package verify

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"math"
	"strings"
	"syscall"
)

const earthRadiusKm = 6371.0

// commsTLS: false только на явных ошибках TLS/сертификата/сброса соединения.
// Любой другой исход (успех или посторонняя ошибка): true.
func (d Deps) commsTLS(ctx context.Context, a Args) (Result, error) {
	err := a.Client.Probe(ctx, a.Link.URLTarget)
	return Result{Output: !IsTLSFailure(err)}, nil
}

// IsTLSFailure классифицирует ошибку запроса как проблему рукопожатия или сертификата.
func IsTLSFailure(err error) bool {
	if err == nil {
		return false
	}
	var (
		unknownAuth x509.UnknownAuthorityError
		hostname    x509.HostnameError
		invalid     x509.CertificateInvalidError
		verifyErr   *tls.CertificateVerificationError
		recordErr   tls.RecordHeaderError
		alertErr    tls.AlertError
	)
	switch {
	case errors.As(err, &unknownAuth), errors.As(err, &hostname), errors.As(err, &invalid),
		errors.As(err, &verifyErr), errors.As(err, &recordErr), errors.As(err, &alertErr):
		return true
	case errors.Is(err, syscall.ECONNRESET):
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "tls:") || strings.Contains(msg, "x509:")
}

// commsDistance: сервер ресурса не дальше threshold км от опорной точки.
// Неудачная геолокация дает неизвестное расстояние и false.
func (d Deps) commsDistance(ctx context.Context, a Args) (Result, error) {
	addrs, err := d.IPs.LookupIPAddr(ctx, a.Link.OriginTarget)
	if err != nil {
		return Result{}, fmt.Errorf("resolve %s: %w", a.Link.OriginTarget, err)
	}
	ip := ""
	for _, addr := range addrs {
		if v4 := addr.IP.To4(); v4 != nil {
			ip = v4.String()
			break
		}
	}
	if ip == "" {
		return Result{}, fmt.Errorf("resolve %s: no IPv4 address", a.Link.OriginTarget)
	}

	var loc Point
	err = d.Limiters.Geo.Do(ctx, func(ctx context.Context) error {
		var err error
		loc, err = d.Geo.Locate(ctx, ip)
		return err
	})
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		return Result{Output: false}, nil
	}
	dist := Haversine(d.Reference, loc)
	return Result{Output: dist <= a.Policy.ArgFloat("threshold", 10_000)}, nil
}

// Haversine — расстояние по большому кругу в километрах.
func Haversine(a, b Point) float64 {
	rad := func(deg float64) float64 { return deg * math.Pi / 180 }
	dLat := rad(b.Lat - a.Lat)
	dLon := rad(b.Lon - a.Lon)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rad(a.Lat))*math.Cos(rad(b.Lat))*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKm * math.Asin(math.Sqrt(h))
}
