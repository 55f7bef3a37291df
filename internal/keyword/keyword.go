package keyword

import (
	"fmt"
	"strings"

	"github.com/go-ego/gse"
	"github.com/go-ego/gse/hmm/idf"
	"github.com/mozillazg/go-pinyin"
)

// defaultTopK 关键词签名的长度
const defaultTopK = 3

// Extractor 基于 TF-IDF 的关键词提取器
type Extractor struct {
	seg  gse.Segmenter
	tag  idf.TagExtracter
	topK int
}

// NewExtractor 创建提取器，加载内置词典和 IDF 表
func NewExtractor() (*Extractor, error) {
	e := &Extractor{topK: defaultTopK}
	if err := e.seg.LoadDict(); err != nil {
		return nil, fmt.Errorf("加载分词词典失败: %w", err)
	}
	e.tag.WithGse(e.seg)
	if err := e.tag.LoadIdf(); err != nil {
		return nil, fmt.Errorf("加载 IDF 表失败: %w", err)
	}
	return e, nil
}

// Extract 提取关键词串，空格连接
// 提取结果少于 2 个词时原样返回输入
func (e *Extractor) Extract(plain string) string {
	tags := e.tag.ExtractTags(plain, e.topK)
	if len(tags) < 2 {
		return plain
	}
	words := make([]string, len(tags))
	for i, t := range tags {
		words[i] = t.Text()
	}
	return strings.Join(words, " ")
}

// Pinyin 把关键词串转成小写拼音，非汉字字符原样保留
func Pinyin(s string) string {
	args := pinyin.NewArgs()
	args.Fallback = func(r rune, _ pinyin.Args) []string {
		return []string{string(r)}
	}

	var b strings.Builder
	for _, item := range pinyin.Pinyin(s, args) {
		if len(item) > 0 {
			b.WriteString(item[0])
		}
	}
	return strings.ToLower(b.String())
}
