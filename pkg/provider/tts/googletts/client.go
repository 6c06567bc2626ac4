package googletts

import (
	"context"

	texttospeech "cloud.google.com/go/texttospeech/apiv1"
	"cloud.google.com/go/texttospeech/apiv1/texttospeechpb"
	"github.com/googleapis/gax-go/v2"
)

type gaxOption = gax.CallOption

// grpcClient adapts the generated client to synthesisClient.
type grpcClient struct {
	c *texttospeech.Client
}

func (g *grpcClient) StreamingSynthesize(ctx context.Context, opts ...gaxOption) (texttospeechpb.TextToSpeech_StreamingSynthesizeClient, error) {
	return g.c.StreamingSynthesize(ctx, opts...)
}

func (g *grpcClient) SynthesizeSpeech(ctx context.Context, req *texttospeechpb.SynthesizeSpeechRequest, opts ...gaxOption) (*texttospeechpb.SynthesizeSpeechResponse, error) {
	return g.c.SynthesizeSpeech(ctx, req, opts...)
}

func (g *grpcClient) Close() error { return g.c.Close() }
