package aggregator

// UnknownExchange is the sentinel name used for exchange ids the feed
// emits that are not in the participant table.
const UnknownExchange = "UNKNOWN"

// exchangeNames maps feed exchange ids to participant names. Ids 4, 21
// and 66 are treated as dark/off-exchange venues by the default config.
var exchangeNames = map[int]string{
	1:   "NYSE AMERICAN",
	2:   "NASDAQ BX",
	3:   "NYSE NATIONAL",
	4:   "FINRA ADF",
	5:   "UNLISTED",
	6:   "ISE GEMINI",
	7:   "CBOE EDGA",
	8:   "CBOE EDGX",
	9:   "NYSE CHICAGO",
	10:  "NYSE",
	11:  "NYSE ARCA",
	12:  "NASDAQ",
	13:  "CTS",
	14:  "LTSE",
	15:  "IEX",
	16:  "CBOE BYX",
	17:  "CBOE BZX",
	18:  "MIAX PEARL",
	19:  "MEMX",
	20:  "MIAX EMERALD",
	21:  "OTC",
	65:  "AMEX OPTIONS",
	66:  "DARK POOL",
	300: "OPRA",
	301: "BOX",
	302: "CBOE",
	303: "CBOE C2",
	304: "ISE",
	305: "MIAX",
	306: "NOM",
	307: "PHLX",
	308: "ARCA OPTIONS",
	309: "GEMX",
	310: "MERCURY",
	311: "BZX OPTIONS",
	312: "EDGX OPTIONS",
	313: "MEMX OPTIONS",
	322: "SPHR",
}

// ExchangeName resolves an exchange id, falling back to the sentinel.
func ExchangeName(id int) string {
	if name, ok := exchangeNames[id]; ok {
		return name
	}
	return UnknownExchange
}
