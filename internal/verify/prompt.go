package verify

import (
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/medleads/clinic-scout/internal/model"
)

// systemPrompt carries the fixed judging instructions. It never changes
// within a run, so it is sent as a cached system block.
const systemPrompt = `あなたはAGAクリニックの掲載審査を行うレビュアーです。
ユーザーから渡されるクリニック情報のJSON配列に対して、各クリニックについて以下の3点を判定してください：

1. is_official_site: URLがクリニックの公式サイトかどうか
   - ポータルサイト（EPARK、ホットペッパー等）→ false
   - 口コミサイト、比較サイト → false
   - クリニック公式サイト → true
   - URLが空の場合 → null

2. is_major_chain: アフィリエイト広告を大規模に出稿しているクリニックかどうか
   【除外すべきクリニック（true）の例】
   - AGAスキンクリニック、湘南美容クリニック、TCB東京中央美容外科
   - ゴリラクリニック、Dクリニック、クリニックフォア
   - イースト駅前クリニック、ウィルAGAクリニック、駅前AGAクリニック
   - DMMオンラインクリニック、AGAヘアクリニック
   - その他、比較サイトやアフィリエイトサイトで頻繁に紹介される大手

   【残すべきクリニック（false）の例】
   - スマイルAGAクリニック（ams-smile.co.jp）のような中小規模クリニック
   - 地域密着型の個人クリニック
   - 1〜10院程度の小規模チェーン
   - アフィリエイトサイトであまり見かけないクリニック

3. normalized_name: クリニック名の正規化（重複検出用）
   - 「〇〇院」「〇〇クリニック新宿」などの院名を除去
   - 例: "AGAスキンクリニック新宿院" → "AGAスキンクリニック"
   - 例: "スマイルAGAクリニック渋谷院" → "スマイルAGAクリニック"

重要: URLのドメインからクリニック名を正確に特定してください。
例: ams-smile.co.jp → スマイルAGAクリニック（湘南美容ではありません）

JSON配列形式で回答してください（コードブロック不要）：
[
  {
    "index": 0,
    "is_official_site": true,
    "is_major_chain": false,
    "normalized_name": "クリニック名",
    "reason": "判定理由（簡潔に）"
  },
  ...
]`

// promptEntry is one clinic as presented to the model.
type promptEntry struct {
	Index   int    `json:"index"`
	Name    string `json:"name"`
	URL     string `json:"url"`
	Address string `json:"address"`
}

// indexedVerdict is one judgment as returned by the model.
type indexedVerdict struct {
	Index          int    `json:"index"`
	IsOfficialSite *bool  `json:"is_official_site"`
	IsMajorChain   bool   `json:"is_major_chain"`
	NormalizedName string `json:"normalized_name"`
	Reason         string `json:"reason"`
}

// buildPrompt renders a batch of clinics as the user message.
func buildPrompt(batch []model.Clinic) (string, error) {
	entries := make([]promptEntry, len(batch))
	for i, c := range batch {
		entries[i] = promptEntry{
			Index:   i,
			Name:    c.Name,
			URL:     c.URL,
			Address: c.Address,
		}
	}

	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return "", eris.Wrap(err, "verify: marshal prompt entries")
	}
	return string(data), nil
}

// stripCodeFence removes a surrounding markdown code block if the model
// ignored the no-fence instruction.
func stripCodeFence(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return text
	}

	lines := strings.Split(text, "\n")
	var out []string
	inBlock := false
	for _, line := range lines {
		if strings.HasPrefix(line, "```") {
			if inBlock {
				break
			}
			inBlock = true
			continue
		}
		if inBlock {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}

// parseVerdicts decodes the model's response into per-index verdicts,
// dropping entries whose index falls outside the batch.
func parseVerdicts(text string, batchLen int) ([]indexedVerdict, error) {
	var raw []indexedVerdict
	if err := json.Unmarshal([]byte(stripCodeFence(text)), &raw); err != nil {
		return nil, eris.Wrap(errMalformedResponse, err.Error())
	}

	out := make([]indexedVerdict, 0, len(raw))
	for _, v := range raw {
		if v.Index < 0 || v.Index >= batchLen {
			continue
		}
		out = append(out, v)
	}
	return out, nil
}
