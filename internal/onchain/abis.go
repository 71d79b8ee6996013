package onchain

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// Aave v3.3 UiPoolDataProvider: getReservesData and getEModes.
const aaveUiPoolDataProviderABI = `[
{"type":"function","name":"getReservesData","stateMutability":"view",
 "inputs":[{"name":"provider","type":"address"}],
 "outputs":[
  {"name":"reserves","type":"tuple[]","components":[
   {"name":"underlyingAsset","type":"address"},
   {"name":"name","type":"string"},
   {"name":"symbol","type":"string"},
   {"name":"decimals","type":"uint256"},
   {"name":"baseLTVasCollateral","type":"uint256"},
   {"name":"reserveLiquidationThreshold","type":"uint256"},
   {"name":"reserveLiquidationBonus","type":"uint256"},
   {"name":"reserveFactor","type":"uint256"},
   {"name":"usageAsCollateralEnabled","type":"bool"},
   {"name":"borrowingEnabled","type":"bool"},
   {"name":"isActive","type":"bool"},
   {"name":"isFrozen","type":"bool"},
   {"name":"liquidityIndex","type":"uint128"},
   {"name":"variableBorrowIndex","type":"uint128"},
   {"name":"liquidityRate","type":"uint128"},
   {"name":"variableBorrowRate","type":"uint128"},
   {"name":"lastUpdateTimestamp","type":"uint40"},
   {"name":"aTokenAddress","type":"address"},
   {"name":"variableDebtTokenAddress","type":"address"},
   {"name":"interestRateStrategyAddress","type":"address"},
   {"name":"availableLiquidity","type":"uint256"},
   {"name":"totalScaledVariableDebt","type":"uint256"},
   {"name":"priceInMarketReferenceCurrency","type":"uint256"},
   {"name":"priceOracle","type":"address"},
   {"name":"variableRateSlope1","type":"uint256"},
   {"name":"variableRateSlope2","type":"uint256"},
   {"name":"baseVariableBorrowRate","type":"uint256"},
   {"name":"optimalUsageRatio","type":"uint256"},
   {"name":"isPaused","type":"bool"},
   {"name":"isSiloedBorrowing","type":"bool"},
   {"name":"accruedToTreasury","type":"uint128"},
   {"name":"unbacked","type":"uint128"},
   {"name":"isolationModeTotalDebt","type":"uint128"},
   {"name":"flashLoanEnabled","type":"bool"},
   {"name":"debtCeiling","type":"uint256"},
   {"name":"debtCeilingDecimals","type":"uint256"},
   {"name":"borrowCap","type":"uint256"},
   {"name":"supplyCap","type":"uint256"},
   {"name":"borrowableInIsolation","type":"bool"},
   {"name":"virtualAccActive","type":"bool"},
   {"name":"virtualUnderlyingBalance","type":"uint128"},
   {"name":"deficit","type":"uint128"}
  ]},
  {"name":"baseCurrency","type":"tuple","components":[
   {"name":"marketReferenceCurrencyUnit","type":"uint256"},
   {"name":"marketReferenceCurrencyPriceInUsd","type":"int256"},
   {"name":"networkBaseTokenPriceInUsd","type":"int256"},
   {"name":"networkBaseTokenPriceDecimals","type":"uint8"}
  ]}
 ]},
{"type":"function","name":"getEModes","stateMutability":"view",
 "inputs":[{"name":"provider","type":"address"}],
 "outputs":[
  {"name":"emodes","type":"tuple[]","components":[
   {"name":"id","type":"uint8"},
   {"name":"eMode","type":"tuple","components":[
    {"name":"ltv","type":"uint16"},
    {"name":"liquidationThreshold","type":"uint16"},
    {"name":"liquidationBonus","type":"uint16"},
    {"name":"collateralBitmap","type":"uint128"},
    {"name":"label","type":"string"},
    {"name":"borrowableBitmap","type":"uint128"}
   ]}
  ]}
 ]}
]`

// Compound v3 Comet views.
const cometABI = `[
{"type":"function","name":"baseToken","stateMutability":"view","inputs":[],
 "outputs":[{"name":"","type":"address"}]},
{"type":"function","name":"numAssets","stateMutability":"view","inputs":[],
 "outputs":[{"name":"","type":"uint8"}]},
{"type":"function","name":"getAssetInfo","stateMutability":"view",
 "inputs":[{"name":"i","type":"uint8"}],
 "outputs":[{"name":"info","type":"tuple","components":[
  {"name":"offset","type":"uint8"},
  {"name":"asset","type":"address"},
  {"name":"priceFeed","type":"address"},
  {"name":"scale","type":"uint64"},
  {"name":"borrowCollateralFactor","type":"uint64"},
  {"name":"liquidateCollateralFactor","type":"uint64"},
  {"name":"liquidationFactor","type":"uint64"},
  {"name":"supplyCap","type":"uint128"}
 ]}]}
]`

const erc20ABI = `[
{"type":"function","name":"symbol","stateMutability":"view","inputs":[],
 "outputs":[{"name":"","type":"string"}]},
{"type":"function","name":"decimals","stateMutability":"view","inputs":[],
 "outputs":[{"name":"","type":"uint8"}]}
]`

var (
	AaveUiPoolDataProvider = mustParse(aaveUiPoolDataProviderABI)
	Comet                  = mustParse(cometABI)
	ERC20                  = mustParse(erc20ABI)
)

func mustParse(def string) *abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic("onchain: invalid abi: " + err.Error())
	}
	return &parsed
}
