package agwpe

/*------------------------------------------------------------------
 *
 * Purpose:   	Call sign parsing and validation.
 *
 * Description:	A station address is up to six letters, digits or '/'
 *		optionally followed by '-' and a numeric SSID in the
 *		range 0 to 15.  Different sources are sloppy about
 *		case so everything is folded to upper case before it
 *		gets anywhere near the wire.
 *
 *---------------------------------------------------------------*/

import (
	"fmt"
	"strconv"
	"strings"
)

const AX25_MAX_ADDR_LEN = 9 /* "WB2OSZ-15" */

/*-------------------------------------------------------------------
 *
 * Name:        ValidateCallSign
 *
 * Purpose:     Check a station address and return the canonical
 *		upper case form.
 *
 * Inputs:	address	- Station address, e.g. "n0call-7".
 *
 * Returns:	Upper case address and nil, or "" and a description
 *		of what is wrong with it.
 *
 *--------------------------------------------------------------------*/

func ValidateCallSign(address string) (string, error) {
	var base, ssid, found = strings.Cut(address, "-")

	if len(base) == 0 {
		return "", fmt.Errorf("address %q is empty", address)
	}

	if len(base) > 6 {
		return "", fmt.Errorf("address %q has more than 6 characters before the SSID", address)
	}

	for i := 0; i < len(base); i++ {
		var c = base[i]
		if !(c >= 'A' && c <= 'Z') && !(c >= 'a' && c <= 'z') && !(c >= '0' && c <= '9') && c != '/' {
			return "", fmt.Errorf("address %q contains character other than letter, digit or / in position %d", address, i)
		}
	}

	var result = strings.ToUpper(base)

	if found {
		if len(ssid) == 0 || len(ssid) > 2 {
			return "", fmt.Errorf("SSID part of %q must be 1 or 2 digits", address)
		}

		var n, convErr = strconv.Atoi(ssid)
		if convErr != nil {
			return "", fmt.Errorf("SSID part of %q must be digits", address)
		}

		if n < 0 || n > 15 {
			return "", fmt.Errorf("SSID of %q not in range of 0 to 15", address)
		}

		if n > 0 {
			result += "-" + strconv.Itoa(n)
		}
	}

	return result, nil
}

/*-------------------------------------------------------------------
 *
 * Name:        splitCallSign
 *
 * Purpose:     Separate an already validated address into the base
 *		and numeric SSID used by the AX.25 address fields.
 *
 *--------------------------------------------------------------------*/

func splitCallSign(address string) (string, int) {
	var base, ssid, found = strings.Cut(address, "-")
	if !found {
		return base, 0
	}

	var n, _ = strconv.Atoi(ssid)

	return base, n
}

// joinCallSign is the inverse of splitCallSign.  SSID 0 is not shown.
func joinCallSign(base string, ssid int) string {
	if ssid == 0 {
		return base
	}

	return base + "-" + strconv.Itoa(ssid)
}

/*-------------------------------------------------------------------
 *
 * Name:        callSignsEqual
 *
 * Purpose:     Equality used by the routing tables: case-insensitive
 *		on the base, exact on the SSID.
 *
 *--------------------------------------------------------------------*/

func callSignsEqual(a string, b string) bool {
	return strings.EqualFold(a, b)
}
