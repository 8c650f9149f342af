package agwpe

/*------------------------------------------------------------------
 *
 * Purpose:   	Find TNCs on the local network using DNS-SD.
 *
 * Description:
 *
 *     Most people have typed in enough IP addresses and ports by now,
 *     and would rather just select an available TNC that is
 *     automatically discovered on the local network.
 *
 *     TNCs that announce themselves do so as "_kiss-tnc._tcp" for the
 *     KISS service; the same hosts conventionally serve AGWPE on TCP
 *     8000.  Some newer ones announce "_agwpe-tnc._tcp" directly.  We
 *     browse for both and report every host found.
 *
 *     This uses the pure-Go github.com/brutella/dnssd package for
 *     cross-platform mDNS/DNS-SD browsing without requiring any
 *     system daemon or C library dependencies.
 *
 *---------------------------------------------------------------*/

import (
	"context"
	"sync"
	"time"

	"github.com/brutella/dnssd"
)

const (
	dnsSDServiceAGWPE = "_agwpe-tnc._tcp"
	dnsSDServiceKISS  = "_kiss-tnc._tcp"

	dnsSDDomain = "local"
)

// TNCAddress is one discovered TNC.
type TNCAddress struct {
	Name string /* the instance name it was announced under */
	Host string
	Port int
}

/*-------------------------------------------------------------------
 *
 * Name:        LocateTNC
 *
 * Purpose:     Browse the local network for TNCs.
 *
 * Inputs:	ctx	- Bounds the browse; give it a timeout of a
 *			  few seconds.
 *
 * Returns:	Whatever answered before the context expired.  An
 *		empty slice and nil error means nothing announced
 *		itself.
 *
 *--------------------------------------------------------------------*/

func LocateTNC(ctx context.Context) ([]TNCAddress, error) {
	var mu sync.Mutex
	var found []TNCAddress

	var add = func(entry dnssd.BrowseEntry, agwpe bool) {
		var port = int(entry.Port)
		if !agwpe {
			// A KISS announcement; the AGWPE service shares
			// the host at the conventional port.
			port = DefaultPort
		}

		var host = entry.Host
		if len(entry.IPs) > 0 {
			host = entry.IPs[0].String()
		}

		mu.Lock()
		defer mu.Unlock()

		for _, f := range found {
			if f.Host == host && f.Port == port {
				return
			}
		}

		found = append(found, TNCAddress{Name: entry.Name, Host: host, Port: port})
	}

	var browse = func(service string, agwpe bool) error {
		return dnssd.LookupType(ctx, service+"."+dnsSDDomain+".", func(e dnssd.BrowseEntry) {
			add(e, agwpe)
		}, func(dnssd.BrowseEntry) {})
	}

	var wg sync.WaitGroup

	wg.Add(2)

	go func() {
		defer wg.Done()

		browse(dnsSDServiceAGWPE, true)
	}()

	go func() {
		defer wg.Done()

		browse(dnsSDServiceKISS, false)
	}()

	wg.Wait()

	if ctx.Err() == context.DeadlineExceeded || ctx.Err() == context.Canceled {
		// The browse runs until the context ends; that is the
		// normal way out, not a failure.
		return found, nil
	}

	return found, ctx.Err()
}

// LocateTNCTimeout is LocateTNC with a plain duration.
func LocateTNCTimeout(d time.Duration) ([]TNCAddress, error) {
	var ctx, cancel = context.WithTimeout(context.Background(), d)
	defer cancel()

	return LocateTNC(ctx)
}
