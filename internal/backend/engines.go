// Package backend is the oracle's own HTTP surface: the aggregation
// engines behind /oracle/*, health and status, and the DLC event
// endpoints. Both payment proxies route here.
package backend

import (
	"go.uber.org/zap"

	"github.com/myceliasignal/slo/internal/config"
	"github.com/myceliasignal/slo/internal/feeds"
	"github.com/myceliasignal/slo/internal/oracle"
)

// BuildEngines wires the production feed set into one engine per pair,
// keyed by the /oracle/ path suffix.
func BuildEngines(cfg *config.Config, log *zap.Logger) map[string]oracle.Engine {
	deadline := cfg.FetchDeadline()
	divergence := cfg.Oracle.Divergence

	usdtRate := []oracle.Fetcher{
		feeds.NewKraken("USDTUSD"),
		feeds.NewBitstamp("usdtusd"),
	}

	// 6 USD venues + 3 USDT venues; 6 of 9 overall, 4 of 6 when the USDT
	// tier is dropped for divergence.
	btcusd := oracle.NewTieredEngine("BTCUSD", "USD", 2, 6, 4, divergence, deadline,
		[]oracle.Fetcher{
			feeds.NewCoinbase("BTC-USD"),
			feeds.NewKraken("XBTUSD"),
			feeds.NewBitstamp("btcusd"),
			feeds.NewGemini("btcusd"),
			feeds.NewBitfinex("tBTCUSD"),
			feeds.NewBinanceUS("BTCUSD"),
		},
		[]oracle.Fetcher{
			feeds.NewBinanceGlobal("BTCUSDT"),
			feeds.NewOKX("BTC-USDT"),
			feeds.NewGateio("BTC_USDT"),
		},
		usdtRate, log)

	// Same domain as the spot pair; the canonical method field tells the
	// two assertions apart.
	btcusdVWAP := oracle.NewVWAPEngine("BTCUSD", "USD", 2,
		cfg.VWAPWindow(), cfg.Oracle.VWAPMinTrades, 2, deadline,
		[]oracle.TradeFetcher{
			feeds.NewCoinbaseTrades("BTC-USD"),
			feeds.NewKrakenTrades("XBTUSD"),
		}, log)

	ethusd := oracle.NewMedianEngine("ETHUSD", "USD", 2, 3, deadline,
		[]oracle.Fetcher{
			feeds.NewCoinbase("ETH-USD"),
			feeds.NewKraken("ETHUSD"),
			feeds.NewBitstamp("ethusd"),
			feeds.NewGemini("ethusd"),
			feeds.NewBitfinex("tETHUSD"),
		}, log)

	// 5 USD venues + 4 USDT venues; 5 of 9 overall, 3 of 5 USD-only.
	solusd := oracle.NewTieredEngine("SOLUSD", "USD", 2, 5, 3, divergence, deadline,
		[]oracle.Fetcher{
			feeds.NewCoinbase("SOL-USD"),
			feeds.NewKraken("SOLUSD"),
			feeds.NewBitstamp("solusd"),
			feeds.NewGemini("solusd"),
			feeds.NewBitfinex("tSOLUSD"),
		},
		[]oracle.Fetcher{
			feeds.NewBinanceGlobal("SOLUSDT"),
			feeds.NewOKX("SOL-USDT"),
			feeds.NewGateio("SOL_USDT"),
			feeds.NewBybit("SOLUSDT"),
		},
		usdtRate, log)

	eurusd := oracle.NewMedianEngine("EURUSD", "USD", 5, 4, deadline,
		[]oracle.Fetcher{
			feeds.NewECB(0),
			feeds.NewBankOfCanada(0),
			feeds.NewNorgesBank(),
			feeds.NewCNB(0),
			feeds.NewRBA(),
			feeds.NewKraken("EURUSD"),
			feeds.NewBitstamp("eurusd"),
		}, log)

	// Traditional dealer quotes vs tokenized gold, same two-tier shape as
	// the USDT tier on crypto pairs but with PAXG/USD as the bridge rate.
	xauusd := oracle.NewTieredEngine("XAUUSD", "USD", 2, 2, 2, divergence, deadline,
		[]oracle.Fetcher{
			feeds.NewKitco(),
			feeds.NewJMBullion(),
			feeds.NewGoldBroker(),
		},
		[]oracle.Fetcher{
			feeds.NewGateio("PAXG_USDT"),
			feeds.NewBybit("PAXGUSDT"),
		},
		[]oracle.Fetcher{
			feeds.NewCoinbaseSpot("PAXG-USD"),
			feeds.NewKraken("PAXGUSD"),
		}, log)

	btceur := oracle.NewCrossEngine("BTCEUR", "EUR", 2, btcusd, eurusd)

	etheur := oracle.NewHybridEngine("ETHEUR", "EUR", 2, 2, deadline,
		[]oracle.Fetcher{
			feeds.NewCoinbase("ETH-EUR"),
			feeds.NewKraken("ETHEUR"),
			feeds.NewBitstamp("etheur"),
		},
		oracle.NewCrossEngine("ETHEUR-CROSS", "EUR", 2, ethusd, eurusd), log)

	return map[string]oracle.Engine{
		"btcusd":      btcusd,
		"btcusd/vwap": btcusdVWAP,
		"ethusd":      ethusd,
		"solusd":      solusd,
		"eurusd":      eurusd,
		"xauusd":      xauusd,
		"btceur":      btceur,
		"etheur":      etheur,
	}
}
