package nft

import (
	"context"
	"time"
)

const TIER_CATEGORY = "category"
const TIER_CATEGORY_ULTIMATE = "category_ultimate"
const TIER_MASTER_ULTIMATE = "master_ultimate"
const TIER_SEASONAL_ULTIMATE = "seasonal_ultimate"

type TxStatus string

const TX_STATUS_PENDING TxStatus = "pending"
const TX_STATUS_CONFIRMED TxStatus = "confirmed"
const TX_STATUS_FAILED TxStatus = "failed"

const ELIGIBILITY_ACTIVE = "active"
const ELIGIBILITY_USED = "used"

const NFT_ACTIVE = "active"

type Eligibility struct {
	Id         string     `json:"id"`
	UserId     string     `json:"userId"`
	StakeKey   string     `json:"stakeKey"`
	CategoryId string     `json:"categoryId"`
	SeasonId   string     `json:"seasonId,omitempty"`
	Status     string     `json:"status"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty"`
}

type CatalogItem struct {
	Id         string `json:"id"`
	CategoryId string `json:"categoryId"`
	Tier       string `json:"tier"`
	Name       string `json:"name"`
	AssetName  string `json:"assetName"`
	IpfsCid    string `json:"ipfsCid,omitempty"`
}

type OwnedNFT struct {
	AssetId    string `json:"assetId"`
	StakeKey   string `json:"stakeKey"`
	CategoryId string `json:"categoryId"`
	SeasonId   string `json:"seasonId,omitempty"`
	Tier       string `json:"tier"`
	Status     string `json:"status"`
}

type MintRecord struct {
	Id            string `json:"id"`
	RunId         string `json:"runId"`
	EligibilityId string `json:"eligibilityId"`
	CatalogId     string `json:"catalogId"`
	StakeKey      string `json:"stakeKey"`
	Status        string `json:"status"`
	TxHash        string `json:"txHash,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

type ForgeRecord struct {
	Id         string   `json:"id"`
	RunId      string   `json:"runId"`
	StakeKey   string   `json:"stakeKey"`
	ForgeType  string   `json:"forgeType"`
	CategoryId string   `json:"categoryId,omitempty"`
	SeasonId   string   `json:"seasonId,omitempty"`
	InputIds   []string `json:"inputIds"`
	Status     string   `json:"status"`
	BurnTxHash string   `json:"burnTxHash,omitempty"`
	MintTxHash string   `json:"mintTxHash,omitempty"`
	Reason     string   `json:"reason,omitempty"`
}

type Ownership struct {
	AssetId    string `json:"assetId"`
	StakeKey   string `json:"stakeKey"`
	CategoryId string `json:"categoryId,omitempty"`
	SeasonId   string `json:"seasonId,omitempty"`
	Tier       string `json:"tier"`
	Source     string `json:"source"`
	SourceId   string `json:"sourceId"`
	TxHash     string `json:"txHash"`
}

// MintTx asks the chain to mint one asset to StakeKey. Reference is stable
// across retries and is how the chain side dedupes submissions.
type MintTx struct {
	Reference  string `json:"reference"`
	StakeKey   string `json:"stakeKey"`
	CatalogId  string `json:"catalogId,omitempty"`
	Tier       string `json:"tier"`
	CategoryId string `json:"categoryId,omitempty"`
	SeasonId   string `json:"seasonId,omitempty"`
}

type BurnTx struct {
	Reference string   `json:"reference"`
	StakeKey  string   `json:"stakeKey"`
	AssetIds  []string `json:"assetIds"`
}

type Submission struct {
	Reference string `json:"reference"`
	TxHash    string `json:"txHash"`
	AssetId   string `json:"assetId,omitempty"`
}

type Confirmation struct {
	TxHash        string   `json:"txHash"`
	Status        TxStatus `json:"status"`
	Confirmations int      `json:"confirmations"`
	Reason        string   `json:"reason,omitempty"`
}

type MintResult struct {
	RunId         string      `json:"runId"`
	MintId        string      `json:"mintId"`
	EligibilityId string      `json:"eligibilityId"`
	StakeKey      string      `json:"stakeKey"`
	Item          CatalogItem `json:"item"`
	TxHash        string      `json:"txHash"`
}

type ForgeResult struct {
	RunId      string   `json:"runId"`
	ForgeId    string   `json:"forgeId"`
	StakeKey   string   `json:"stakeKey"`
	ForgeType  string   `json:"forgeType"`
	Burned     []string `json:"burned"`
	AssetId    string   `json:"assetId"`
	Tier       string   `json:"tier"`
	BurnTxHash string   `json:"burnTxHash"`
	MintTxHash string   `json:"mintTxHash"`
}

// Host side collaborators. Errors should be *flow.StepError so the engine
// can tell a genuine rejection from a transient failure; anything else is
// retried.

type Eligibilities interface {
	GetEligibility(ctx context.Context, id string) (*Eligibility, error)
	MarkEligibilityUsed(ctx context.Context, id string, mintId string) error
}

type Catalog interface {
	CountAvailable(ctx context.Context, categoryId string, tier string) (int, error)
	// Reserve is idempotent on reference: a second call returns the same item.
	Reserve(ctx context.Context, categoryId string, tier string, reference string) (*CatalogItem, error)
}

type Records interface {
	UpsertMint(ctx context.Context, rec MintRecord) error
	UpsertForge(ctx context.Context, rec ForgeRecord) error
	CreateOwnership(ctx context.Context, o Ownership) error
	GetOwnedNFTs(ctx context.Context, stakeKey string, assetIds []string) ([]OwnedNFT, error)
	FlagReconciliation(ctx context.Context, reference string, reason string) error
}

type Chain interface {
	// FindSubmission returns nil when nothing was submitted under reference.
	FindSubmission(ctx context.Context, reference string) (*Submission, error)
	SubmitMint(ctx context.Context, tx MintTx) (*Submission, error)
	SubmitBurn(ctx context.Context, tx BurnTx) (*Submission, error)
	GetConfirmation(ctx context.Context, txHash string) (*Confirmation, error)
}

type Results interface {
	PublishMint(ctx context.Context, res MintResult) error
	PublishForge(ctx context.Context, res ForgeResult) error
}

type Host struct {
	Eligibilities Eligibilities
	Catalog       Catalog
	Records       Records
	Chain         Chain
	Results       Results
}
