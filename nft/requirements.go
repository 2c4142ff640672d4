package nft

import (
	"fmt"

	"github.com/TriviaNFT/triviaNFT-sub002/flow"
)

const FORGE_CATEGORY = "category"
const FORGE_MASTER = "master"
const FORGE_SEASON = "season"

const FORGE_INPUT_COUNT = 10

type ForgeInput struct {
	ForgeId       string   `json:"forgeId"`
	StakeKey      string   `json:"stakeKey"`
	ForgeType     string   `json:"forgeType"`
	CategoryId    string   `json:"categoryId,omitempty"`
	SeasonId      string   `json:"seasonId,omitempty"`
	InputAssetIds []string `json:"inputAssetIds"`
}

// ForgePlan is the validated outcome of a forge request.
type ForgePlan struct {
	ForgeType  string     `json:"forgeType"`
	CategoryId string     `json:"categoryId,omitempty"`
	SeasonId   string     `json:"seasonId,omitempty"`
	TargetTier string     `json:"targetTier"`
	Inputs     []OwnedNFT `json:"inputs"`
}

func invalidRequirements(format string, args ...any) error {
	return flow.Terminalf(flow.INVALID_REQUIREMENTS, format, args...)
}

// CheckOwnership returns the requested assets in request order. Every asset
// must be active and held by stakeKey.
func CheckOwnership(stakeKey string, requested []string, owned []OwnedNFT) ([]OwnedNFT, error) {
	held := make(map[string]OwnedNFT, len(owned))
	for _, o := range owned {
		if o.StakeKey == stakeKey && o.Status == NFT_ACTIVE {
			held[o.AssetId] = o
		}
	}
	out := make([]OwnedNFT, 0, len(requested))
	missing := make([]string, 0)
	for _, id := range requested {
		o, ok := held[id]
		if !ok {
			missing = append(missing, id)
			continue
		}
		out = append(out, o)
	}
	if len(missing) > 0 {
		return nil, flow.Terminalf(flow.INVALID_OWNERSHIP, "wallet %s does not hold %v", stakeKey, missing)
	}
	return out, nil
}

// CheckRequirements applies the forge rules:
//   - category: 10 category tier nfts of the requested category
//   - master: 10 category_ultimate nfts from 10 different categories
//   - season: 10 category_ultimate nfts from the requested season
func CheckRequirements(in ForgeInput, inputs []OwnedNFT) (*ForgePlan, error) {
	distinct := make(map[string]struct{}, len(inputs))
	for _, o := range inputs {
		distinct[o.AssetId] = struct{}{}
	}
	if len(inputs) != FORGE_INPUT_COUNT || len(distinct) != FORGE_INPUT_COUNT {
		return nil, invalidRequirements("forge needs exactly %d distinct nfts, got %d", FORGE_INPUT_COUNT, len(distinct))
	}
	plan := &ForgePlan{ForgeType: in.ForgeType, Inputs: inputs}
	switch in.ForgeType {
	case FORGE_CATEGORY:
		if in.CategoryId == "" {
			return nil, invalidRequirements("category forge needs a categoryId")
		}
		for _, o := range inputs {
			if o.Tier != TIER_CATEGORY || o.CategoryId != in.CategoryId {
				return nil, invalidRequirements("nft %s is not a %s nft of category %s", o.AssetId, TIER_CATEGORY, in.CategoryId)
			}
		}
		plan.CategoryId = in.CategoryId
		plan.TargetTier = TIER_CATEGORY_ULTIMATE
	case FORGE_MASTER:
		categories := make(map[string]struct{}, len(inputs))
		for _, o := range inputs {
			if o.Tier != TIER_CATEGORY_ULTIMATE {
				return nil, invalidRequirements("nft %s is not a %s nft", o.AssetId, TIER_CATEGORY_ULTIMATE)
			}
			categories[o.CategoryId] = struct{}{}
		}
		if len(categories) != FORGE_INPUT_COUNT {
			return nil, invalidRequirements("master forge needs %d different categories, got %d", FORGE_INPUT_COUNT, len(categories))
		}
		plan.TargetTier = TIER_MASTER_ULTIMATE
	case FORGE_SEASON:
		if in.SeasonId == "" {
			return nil, invalidRequirements("season forge needs a seasonId")
		}
		for _, o := range inputs {
			if o.Tier != TIER_CATEGORY_ULTIMATE || o.SeasonId != in.SeasonId {
				return nil, invalidRequirements("nft %s is not a %s nft of season %s", o.AssetId, TIER_CATEGORY_ULTIMATE, in.SeasonId)
			}
		}
		plan.SeasonId = in.SeasonId
		plan.TargetTier = TIER_SEASONAL_ULTIMATE
	default:
		return nil, invalidRequirements("unknown forge type %q", in.ForgeType)
	}
	return plan, nil
}

func (p *ForgePlan) AssetIds() []string {
	ids := make([]string, 0, len(p.Inputs))
	for _, o := range p.Inputs {
		ids = append(ids, o.AssetId)
	}
	return ids
}

func (p *ForgePlan) String() string {
	return fmt.Sprintf("%s forge of %d nfts into %s", p.ForgeType, len(p.Inputs), p.TargetTier)
}
